package pipeline

import (
	"time"

	"go.uber.org/zap"

	"github.com/davidahmann/postwatch/core/fsx"
)

const (
	EventRunStarted     = "run_started"
	EventLockAcquired   = "lock_acquired"
	EventShortCircuit   = "short_circuit_decided"
	EventStageFinished  = "stage_finished"
	EventSnapshot       = "snapshot_recorded"
	EventBaseline       = "baseline_resolved"
	EventPublish        = "publish_settled"
	EventPointers       = "pointers_advanced"
	EventRunFinished    = "run_finished"
	EventFinalizeFailed = "finalize_failed"
)

// Event is one line of runs/<run_id>/events.jsonl.
type Event struct {
	Time            time.Time `json:"time"`
	RunID           string    `json:"run_id"`
	Type            string    `json:"type"`
	Stage           string    `json:"stage,omitempty"`
	Outcome         string    `json:"outcome,omitempty"`
	Reason          string    `json:"reason,omitempty"`
	Scope           string    `json:"scope,omitempty"`
	DurationSeconds float64   `json:"duration_seconds,omitempty"`
	Error           string    `json:"error,omitempty"`
}

// eventLog appends audit events. Write failures are logged and never fail
// the run.
type eventLog struct {
	path   string
	runID  string
	now    func() time.Time
	logger *zap.Logger
}

func (l *eventLog) append(event Event) {
	event.RunID = l.runID
	if event.Time.IsZero() {
		event.Time = l.now().UTC()
	}
	if err := fsx.AppendJSONLine(l.path, event, 0o600); err != nil {
		l.logger.Warn("event append failed", zap.String("type", event.Type), zap.Error(err))
	}
}
