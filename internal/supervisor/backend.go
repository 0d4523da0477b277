package supervisor

import (
	"context"
	"fmt"
	"net/http"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/voxpilot/voxpilot/internal/config"
)

// BackendState is the lifecycle state of one managed backend.
type BackendState int

const (
	// StateUnknown means the backend has not been probed yet.
	StateUnknown BackendState = iota

	// StateStarting means a spawned backend is waiting to report healthy.
	StateStarting

	// StateOnline means the most recent probe succeeded.
	StateOnline

	// StateOffline means the most recent probe failed.
	StateOffline

	// StateFailed means a spawned backend's process exited or never became
	// healthy within its startup timeout.
	StateFailed
)

// String returns the lower-case name of the state.
func (s BackendState) String() string {
	switch s {
	case StateUnknown:
		return "unknown"
	case StateStarting:
		return "starting"
	case StateOnline:
		return "online"
	case StateOffline:
		return "offline"
	case StateFailed:
		return "failed"
	default:
		return "invalid"
	}
}

// Probe checks one backend's health. A nil error means healthy.
type Probe func(ctx context.Context) error

// handle tracks the runtime state of one backend. All mutable fields are
// guarded by mu.
type handle struct {
	cfg   config.BackendConfig
	probe Probe

	mu        sync.Mutex
	state     BackendState
	cmd       *exec.Cmd
	exited    chan struct{} // closed when the spawned process exits
	lastProbe time.Time
	lastErr   error
}

// spawned reports whether this backend is launched as a subprocess rather
// than adopted.
func (h *handle) spawned() bool {
	return h.cfg.Command != ""
}

func (h *handle) currentState() BackendState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// httpProbe returns a [Probe] that issues GET url+path and reports healthy
// on a 200 response. It is the probe for backends without a dedicated
// client, such as the duplex service.
func httpProbe(client *http.Client, url, path string) Probe {
	target := strings.TrimRight(url, "/") + path
	return func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return fmt.Errorf("supervisor: create probe request: %w", err)
		}
		resp, err := client.Do(req)
		if err != nil {
			return fmt.Errorf("supervisor: GET %s: %w", target, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("supervisor: GET %s returned status %d", target, resp.StatusCode)
		}
		return nil
	}
}
