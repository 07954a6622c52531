package stage

import (
	"context"
)

// Job is the slice of a leased queue job that stage logic sees.
type Job struct {
	ID         string
	DocumentID string
	Stage      Name
	Payload    map[string]string
	Attempt    int
}

// Reporter receives progress for the running attempt. Values are clamped to
// [0,100] and never move backwards.
type Reporter interface {
	Report(ctx context.Context, percent int) error
}

// ReporterFunc adapts a function into a Reporter.
type ReporterFunc func(ctx context.Context, percent int) error

// Report calls f.
func (f ReporterFunc) Report(ctx context.Context, percent int) error {
	return f(ctx, percent)
}

// Result is the successful outcome of one attempt. Outputs are flat blob keys
// consumed by dependent stages.
type Result struct {
	Outputs map[string]string
	Skipped bool
}

// Handler describes the contract the worker runtime needs from each stage.
type Handler interface {
	Stage() Name
	Execute(ctx context.Context, job Job, report Reporter) (Result, error)
	HealthCheck(ctx context.Context) Health
}
