package simulator

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/synqronlabs/mailsim/policy"
)

// NewAdminRouter serves the operational endpoints:
//
//	GET /healthz   liveness
//	GET /metrics   Prometheus exposition of gatherer
//	GET /rules     rule types registered per phase
func NewAdminRouter(gatherer prometheus.Gatherer, orch *policy.Orchestrator) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok\n"))
	})
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	r.Get("/rules", func(w http.ResponseWriter, _ *http.Request) {
		out := make(map[string][]string, len(policy.Phases))
		for _, phase := range policy.Phases {
			types := []string{}
			for _, rule := range orch.Rules(phase) {
				types = append(types, rule.Type())
			}
			out[phase.String()] = types
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(out)
	})

	return r
}
