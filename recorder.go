package labsched

import (
	"context"
	"time"
)

// TaskRun is one executed task, as reported to the recorder.
type TaskRun struct {
	Device     string
	GroupID    string
	Priority   int
	Sequential bool
	Sentinel   bool
	QueuedAt   time.Time
	StartedAt  time.Time
	Duration   time.Duration
	Error      string
}

// TaskRecorder receives the scheduler's audit trail. Implementations
// must be safe for concurrent use; a recorder failure never fails the
// task it describes.
type TaskRecorder interface {
	RecordRun(ctx context.Context, run TaskRun) error
	RecordEmergencyStop(ctx context.Context, at time.Time, devices []string) error
}

// NoopRecorder discards everything.
type NoopRecorder struct{}

func (NoopRecorder) RecordRun(ctx context.Context, run TaskRun) error { return nil }

func (NoopRecorder) RecordEmergencyStop(ctx context.Context, at time.Time, devices []string) error {
	return nil
}
