package server

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/GriffinCanCode/caption-digest/internal/trace"
	"github.com/GriffinCanCode/caption-digest/internal/workflow"
)

// SnapshotMessage is the first frame on a new stream.
type SnapshotMessage struct {
	Type     string            `json:"type"`
	Snapshot workflow.Snapshot `json:"snapshot"`
}

// handleWebSocket streams a session's events. The client names the session
// with ?session= and may resume with ?since=<seq>.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	seq, err := s.sessions.Get(r.URL.Query().Get("session"))
	if err != nil {
		writeError(w, r, err, "")
		return
	}
	since, err := parseSince(r)
	if err != nil {
		writeError(w, r, err, "")
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: originPatterns(s.cfg.Load().AllowedOrigins),
	})
	if err != nil {
		slog.Error("websocket accept error", "error", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()

	// Subscribe before reading the backlog so nothing published in between is lost.
	events, cancel := seq.Events().Subscribe(WSSubscriberSize)
	defer cancel()

	ctx := conn.CloseRead(trace.WithSession(r.Context(), seq.ID()))
	log := trace.Logger(ctx)
	log.Info("websocket connected", "remote", r.RemoteAddr, "since", since)

	if err := write(ctx, conn, SnapshotMessage{Type: "snapshot", Snapshot: seq.Snapshot()}); err != nil {
		return
	}
	last := since
	for _, e := range seq.Events().Since(since) {
		if err := write(ctx, conn, e); err != nil {
			return
		}
		last = e.Seq
	}

	for {
		select {
		case <-ctx.Done():
			log.Debug("websocket closed", "error", context.Cause(ctx))
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			last, err = relay(seq.Events(), e, last, func(v workflow.Event) error {
				return write(ctx, conn, v)
			})
			if err != nil {
				log.Debug("websocket write error", "error", err)
				return
			}
		}
	}
}

// relay sends e after anything between last and e that a full subscriber
// buffer dropped, recovering the gap from the bus history. It returns the
// new high-water sequence.
func relay(bus *workflow.EventBus, e workflow.Event, last int64, send func(workflow.Event) error) (int64, error) {
	if e.Seq <= last {
		return last, nil
	}
	if e.Seq > last+1 {
		for _, m := range bus.Since(last) {
			if m.Seq >= e.Seq {
				break
			}
			if err := send(m); err != nil {
				return last, err
			}
			last = m.Seq
		}
	}
	if err := send(e); err != nil {
		return last, err
	}
	return e.Seq, nil
}

func write(ctx context.Context, conn *websocket.Conn, v any) error {
	ctx, cancel := context.WithTimeout(ctx, WSWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, v)
}

// originPatterns turns CORS origins into the host patterns websocket.Accept expects.
func originPatterns(origins []string) []string {
	out := make([]string, 0, len(origins))
	for _, o := range origins {
		o = strings.TrimPrefix(strings.TrimPrefix(o, "https://"), "http://")
		out = append(out, strings.TrimSuffix(o, "/"))
	}
	return out
}
