package session

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/organoidlab/orgseg/internal/errors"
	"github.com/organoidlab/orgseg/internal/events"
	"github.com/organoidlab/orgseg/internal/logging"
)

// ErrCheckpointLoad is returned by Acquire when the checkpoint cannot be
// read or parsed. The manager auto-resets so the next Acquire retries.
var ErrCheckpointLoad = errors.NewStd("checkpoint load failed")

// State is the observable model session state.
type State int

const (
	StateUnloaded State = iota
	StateLoading
	StateReady
	StateLoadFailed
)

func (s State) String() string {
	switch s {
	case StateUnloaded:
		return "unloaded"
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	case StateLoadFailed:
		return "load-failed"
	default:
		return "unknown"
	}
}

// ModelSession is an opaque handle to a loaded model, bound to its
// checkpoint path.
type ModelSession struct {
	Predictor      Predictor
	CheckpointPath string
	Device         string
	FootprintBytes uint64
	LoadedAt       time.Time

	release func()
}

// Manager implements the single-slot session lifecycle:
// Unloaded -> Loading -> Ready -> Unloaded on release, and
// Loading -> LoadFailed -> Unloaded on checkpoint error so the next use
// retries. One session slot, no reference counting: Acquire hands out the
// same session until Release.
type Manager struct {
	checkpointPath string
	loader         Loader
	bus            *events.Bus

	// mu serializes all state transitions and the load itself, so a
	// second Acquire during a load waits instead of duplicating it.
	mu      sync.Mutex
	state   State
	session *ModelSession

	logger *slog.Logger
}

// NewManager creates a session manager for the given checkpoint. Nothing
// is loaded until the first Acquire: pure manual or threshold sessions
// never pay the model cost.
func NewManager(checkpointPath string, loader Loader, bus *events.Bus) *Manager {
	return &Manager{
		checkpointPath: checkpointPath,
		loader:         loader,
		bus:            bus,
		state:          StateUnloaded,
		logger:         logging.ForService("session"),
	}
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Acquire returns the current session, loading the model first if needed.
// If a load is already in progress the caller waits for it. Returns
// ErrCheckpointLoad (wrapped) on I/O or format failure; the state is reset
// to Unloaded so a subsequent Acquire retries from scratch.
func (m *Manager) Acquire(ctx context.Context) (*ModelSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == StateReady {
		return m.session, nil
	}

	if err := ctx.Err(); err != nil {
		return nil, errors.New(fmt.Errorf("acquiring model session: %w", err)).
			Component("session").
			Category(errors.CategoryCancellation).
			Build()
	}

	m.transitionLocked(StateLoading)

	start := time.Now()
	rssBefore := currentRSS()

	pred, device, release, err := m.loader.Load(m.checkpointPath)
	if err != nil {
		m.transitionLocked(StateLoadFailed)
		// Auto-reset: the failed state is observable through the event
		// stream, but the next Acquire starts over from Unloaded.
		m.transitionLocked(StateUnloaded)
		return nil, errors.New(fmt.Errorf("loading checkpoint %s: %w: %w", m.checkpointPath, ErrCheckpointLoad, err)).
			Component("session").
			Category(errors.CategoryModelLoad).
			Context("checkpoint", m.checkpointPath).
			Timing("model-load", time.Since(start)).
			Build()
	}

	m.session = &ModelSession{
		Predictor:      pred,
		CheckpointPath: m.checkpointPath,
		Device:         device,
		FootprintBytes: footprintEstimate(rssBefore),
		LoadedAt:       time.Now(),
		release:        release,
	}
	m.transitionLocked(StateReady)

	m.logger.Info("model session ready",
		"checkpoint", m.checkpointPath,
		"device", device,
		"footprint_mb", m.session.FootprintBytes/1024/1024,
		"load_duration", time.Since(start).Round(time.Millisecond).String())

	return m.session, nil
}

// Release frees the loaded model and returns the manager to Unloaded.
// Safe to call at any time, including when nothing is loaded.
func (m *Manager) Release() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateReady {
		return
	}

	if m.session != nil && m.session.release != nil {
		m.session.release()
	}
	m.session = nil
	m.transitionLocked(StateUnloaded)
	m.logger.Info("model session released", "checkpoint", m.checkpointPath)
}

// transitionLocked updates state and publishes the transition. Callers
// hold m.mu; bus handlers must not call back into the manager.
func (m *Manager) transitionLocked(next State) {
	m.state = next
	m.bus.Publish(events.Event{
		Kind:    events.KindModelStateChanged,
		Source:  "session",
		Payload: events.ModelStateChanged{State: next.String()},
	})
}

// currentRSS returns the process resident set size, or 0 if unavailable.
func currentRSS() uint64 {
	proc, err := process.NewProcess(int32(os.Getpid())) //nolint:gosec // G115: pid fits in int32 on supported platforms
	if err != nil {
		return 0
	}
	info, err := proc.MemoryInfo()
	if err != nil || info == nil {
		return 0
	}
	return info.RSS
}

// footprintEstimate approximates the memory cost of the load as the RSS
// growth since before it started.
func footprintEstimate(rssBefore uint64) uint64 {
	rssAfter := currentRSS()
	if rssAfter > rssBefore {
		return rssAfter - rssBefore
	}
	return 0
}
