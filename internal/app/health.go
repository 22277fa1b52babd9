package app

import (
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/GriffinCanCode/caption-digest/internal/resilience"
)

// HealthHook reports an open breaker as NOT_SERVING under its own service name.
func HealthHook(h *health.Server) Hook {
	return func(name string, _, to resilience.State) {
		status := healthpb.HealthCheckResponse_SERVING
		if to == resilience.Open {
			status = healthpb.HealthCheckResponse_NOT_SERVING
		}
		h.SetServingStatus(name, status)
	}
}

// MarkServing registers every breaker as SERVING along with the overall "" service.
func (p *Providers) MarkServing(h *health.Server) {
	h.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	for _, name := range p.Names() {
		h.SetServingStatus(name, healthpb.HealthCheckResponse_SERVING)
	}
}
