package observability

import (
	"context"
	"encoding/json"
	"net/http"
)

// Check is one named readiness probe, typically a backing-store ping.
type Check struct {
	Name  string
	Probe func(ctx context.Context) error
}

// healthReport is the JSON body of the liveness and readiness endpoints.
type healthReport struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// HealthHandler answers liveness probes at /healthz. It reports "ok" as long
// as the process can serve HTTP at all; dependency state belongs to /readyz.
func HealthHandler() http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, _ *http.Request) {
		writeReport(rw, http.StatusOK, healthReport{Status: "ok"})
	})
}

// ReadyHandler answers readiness probes at /readyz. Every check runs on every
// request; the response names each check and its outcome so the failing
// dependency is visible without log access. Any failure turns the endpoint
// 503 and stops new work from being routed here.
func ReadyHandler(checks ...Check) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		report := healthReport{
			Status: "ok",
			Checks: make(map[string]string, len(checks)),
		}
		code := http.StatusOK

		for _, c := range checks {
			err := c.Probe(r.Context())
			if err != nil {
				report.Checks[c.Name] = err.Error()
				report.Status = "unavailable"
				code = http.StatusServiceUnavailable

				continue
			}

			report.Checks[c.Name] = "ok"
		}

		writeReport(rw, code, report)
	})
}

func writeReport(rw http.ResponseWriter, code int, report healthReport) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(code)

	_ = json.NewEncoder(rw).Encode(report)
}
