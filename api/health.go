package api

import (
	"net/http"
)

// health reports daemon liveness. The store probe decides unhealthy;
// missing optional subsystems only degrade.
func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	checks := map[string]string{}
	status := "healthy"

	if _, err := s.deps.Store.Stats(r.Context(), s.opts.Now()); err != nil {
		checks["store"] = "error: " + err.Error()
		status = "unhealthy"
	} else {
		checks["store"] = "ok"
	}

	for name, present := range map[string]bool{
		"pool":       s.deps.Pool != nil,
		"dispatcher": s.deps.Dispatcher != nil,
		"limiter":    s.deps.Limiter != nil,
	} {
		if present {
			checks[name] = "ok"
		} else {
			checks[name] = "disabled"
			if status == "healthy" {
				status = "degraded"
			}
		}
	}

	code := http.StatusOK
	if status == "unhealthy" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status": status,
		"checks": checks,
	})
}
