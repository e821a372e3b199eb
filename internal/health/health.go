// Package health provides HTTP handlers for health checks.
package health

import (
	"encoding/json"
	"net/http"
	"runtime"
	"time"

	"github.com/terrpan/runnerfleet/internal/buildinfo"
)

// Fleet reports the orchestrator state shown on /healthz.
type Fleet interface {
	Ready() bool
	ActiveTotal() int
}

// Response represents the health check response body.
type Response struct {
	Status        string    `json:"status"`
	ServiceName   string    `json:"service_name"`
	Version       string    `json:"version"`
	Commit        string    `json:"commit"`
	BuildTime     string    `json:"build_time"`
	GoVersion     string    `json:"go_version"`
	OS            string    `json:"os"`
	Architecture  string    `json:"architecture"`
	Provider      string    `json:"provider"`
	ActiveRunners int       `json:"active_runners"`
	Timestamp     time.Time `json:"timestamp"`
}

// Handler responds to health check requests with build info, the
// configured provider and the number of live runners.  Until the fleet
// has reconciled its ledger the status is "starting" with 503.
func Handler(provider string, fleet Fleet) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status, code := "healthy", http.StatusOK
		if !fleet.Ready() {
			status, code = "starting", http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)

		response := Response{
			Status:        status,
			ServiceName:   "runnerfleet",
			Version:       buildinfo.Version,
			Commit:        buildinfo.Commit,
			BuildTime:     buildinfo.BuildTime,
			GoVersion:     runtime.Version(),
			OS:            runtime.GOOS,
			Architecture:  runtime.GOARCH,
			Provider:      provider,
			ActiveRunners: fleet.ActiveTotal(),
			Timestamp:     time.Now().UTC(),
		}

		_ = json.NewEncoder(w).Encode(response)
	}
}
