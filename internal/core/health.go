package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// healthCheckTimeout is the maximum time allowed for all health probes to complete.
// If any probe exceeds this deadline, the health check returns 503 Service Unavailable.
const healthCheckTimeout = 2 * time.Second

var errHealthTimeout = errors.New("health check timed out")

// HealthProbe checks one dependency of the relay (the queue, the consumer
// loop, the mail transfer agent).
type HealthProbe interface {
	// Name identifies the probe in the response, e.g. "sqs".
	Name() string

	// Check returns an error if the dependency is unhealthy. It should
	// respect the context deadline.
	Check(ctx context.Context) error
}

// ProbeFunc adapts a function to a HealthProbe.
type ProbeFunc struct {
	ProbeName string
	Fn        func(ctx context.Context) error
}

func (p ProbeFunc) Name() string                    { return p.ProbeName }
func (p ProbeFunc) Check(ctx context.Context) error { return p.Fn(ctx) }

// componentStatus represents the health state of a single subsystem.
type componentStatus struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// healthResponse is the JSON response body for the health check endpoint.
type healthResponse struct {
	Status     string                     `json:"status"`
	Components map[string]componentStatus `json:"components,omitempty"`
}

// HandleHealth runs all probes concurrently under a short timeout. It answers
// 200 if every probe passes and 503 otherwise, including on timeout.
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	probes := s.HealthProbes
	if len(probes) == 0 {
		writeHealth(w, http.StatusOK, healthResponse{Status: "healthy"})
		return
	}

	// Each probe reports on its own buffered channel slot; a probe that has
	// not reported when ctx ends is marked as timed out.
	results := make([]chan error, len(probes))
	for i, probe := range probes {
		results[i] = make(chan error, 1)
		go func(p HealthProbe, out chan<- error) {
			defer func() {
				if rvr := recover(); rvr != nil {
					out <- fmt.Errorf("probe panicked: %v", rvr)
				}
			}()
			out <- p.Check(ctx)
		}(probe, results[i])
	}

	resp := healthResponse{Status: "healthy", Components: make(map[string]componentStatus, len(probes))}
	for i, probe := range probes {
		var err error
		select {
		case err = <-results[i]:
		case <-ctx.Done():
			err = errHealthTimeout
		}

		if err != nil {
			resp.Status = "unhealthy"
			resp.Components[probe.Name()] = componentStatus{Status: "unhealthy", Message: err.Error()}
		} else {
			resp.Components[probe.Name()] = componentStatus{Status: "healthy"}
		}
	}

	status := http.StatusOK
	if resp.Status != "healthy" {
		status = http.StatusServiceUnavailable
	}
	writeHealth(w, status, resp)
}

func writeHealth(w http.ResponseWriter, status int, resp healthResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}
