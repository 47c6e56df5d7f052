// Package events provides a synchronous publish/subscribe bus for decoupling
// pool, mask and model state changes from their consumers (UI, logging).
package events

import (
	"time"

	"github.com/organoidlab/orgseg/internal/imagery"
)

// Kind identifies the type of an event. The set of kinds is closed;
// payload types below correspond one to one.
type Kind string

const (
	// KindScopeChanged is published when the active experiment/date scope changes.
	KindScopeChanged Kind = "scope-changed"

	// KindPoolChanged is published whenever pool membership may have moved.
	KindPoolChanged Kind = "pool-changed"

	// KindMaskSaved is published after a mask has been committed to disk.
	KindMaskSaved Kind = "mask-saved"

	// KindModelStateChanged is published on every model session state transition.
	KindModelStateChanged Kind = "model-state-changed"

	// KindOperationCompleted is published when a background job finishes.
	KindOperationCompleted Kind = "operation-completed"

	// KindOperationFailed is published when an action or background job fails.
	KindOperationFailed Kind = "operation-failed"
)

// Event is the envelope delivered to subscribers.
type Event struct {
	Kind      Kind
	Payload   any
	Source    string
	Timestamp time.Time
}

// ScopeChanged reports the newly selected scope.
type ScopeChanged struct {
	Experiment string
	Dates      []string
}

// PoolChanged reports the pool partition after a membership change.
type PoolChanged struct {
	Scope     string
	Labeled   int
	Unlabeled int
}

// MaskSaved reports a committed mask.
type MaskSaved struct {
	Key    imagery.Key
	Method imagery.Method
}

// ModelStateChanged reports a model session state transition.
type ModelStateChanged struct {
	State string
}

// OperationCompleted reports the outcome of a background job. A cancelled
// job still completes, but its result has been discarded.
type OperationCompleted struct {
	JobID     string
	Kind      string
	Cancelled bool
	Result    any
}

// OperationFailed reports a failed action or background job.
type OperationFailed struct {
	JobID   string
	Kind    string
	Message string
}
