package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/encoding/protojson"

	apperrors "github.com/GriffinCanCode/caption-digest/internal/errors"
	"github.com/GriffinCanCode/caption-digest/internal/server"
	"github.com/GriffinCanCode/caption-digest/internal/trace"
)

const statusTimeout = 10 * time.Second

var statusCmd = &cobra.Command{
	Use:   "status <session-id>",
	Short: "Show a session held by a running server",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("addr")
		conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			return fmt.Errorf("dial %s: %w", addr, err)
		}
		defer conn.Close()

		ctx, cancel := context.WithTimeout(trace.WithIDs(cmd.Context(), trace.Root()), statusTimeout)
		defer cancel()

		snap, err := server.NewSessionsClient(conn).GetSession(ctx, args[0])
		if err != nil {
			return statusError(err)
		}
		out, err := protojson.MarshalOptions{Multiline: true, Indent: "  "}.Marshal(snap)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(out))
		return nil
	},
}

// statusError hints at a retry when the server reported a transient failure.
func statusError(err error) error {
	if apperrors.IsRetryable(err) {
		return fmt.Errorf("%w (try again shortly)", userError(err))
	}
	return userError(err)
}

func init() {
	addr := os.Getenv("GRPC_ADDR")
	if addr == "" {
		addr = "localhost:50052"
	}
	statusCmd.Flags().String("addr", addr, "gRPC address of the server")
	rootCmd.AddCommand(statusCmd)
}
