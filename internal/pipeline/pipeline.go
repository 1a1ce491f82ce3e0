// Package pipeline composes a chain of queue runners so the terminal
// output of one stage becomes the pending input of the next. The heavy
// lifting — stage hand-off, batching, partial-delivery accounting — is
// implemented once in internal/runner and exercised through its Pipe
// mechanism; this package is a thin composer: the front door for
// add/query/run/maintain on a whole chain.
package pipeline

import (
	"context"

	"durableq/internal/entry"
	"durableq/internal/runner"
)

// TypedStage is the subset of *runner.Runner's method set a Pipeline
// needs at its two ends: typed add at the front, typed result decoding
// at the back.
type TypedStage[Request, Result any] interface {
	runner.Stage
	AddRequest(ctx context.Context, req Request, opts entry.AddOptions) (string, error)
	Result(e *entry.Entry) (Result, error)
}

// Pipeline is a named chain of stages. FrontRequest/FrontResult type the
// first stage's add; BackRequest/BackResult type the last stage's
// output. Stages in between are wired together with Connect and are
// otherwise untyped from the Pipeline's perspective — adjacent stages
// agree on payload shape the way two ends of a wire protocol do.
type Pipeline[FrontRequest, FrontResult, BackRequest, BackResult any] struct {
	front TypedStage[FrontRequest, FrontResult]
	back  TypedStage[BackRequest, BackResult]
}

// New builds a Pipeline over an already-connected chain of stages.
// front and back must already be reachable from one another through
// Connect calls; New itself does no wiring.
func New[FrontRequest, FrontResult, BackRequest, BackResult any](
	front TypedStage[FrontRequest, FrontResult],
	back TypedStage[BackRequest, BackResult],
) *Pipeline[FrontRequest, FrontResult, BackRequest, BackResult] {
	return &Pipeline[FrontRequest, FrontResult, BackRequest, BackResult]{front: front, back: back}
}

// Connect wires from's completed (or permanently failed) output into
// to's pending input. batch is nil for one-at-a-time hand-off, or a
// BatchOptions for size-bounded batching.
func Connect(from, to runner.Stage, accept entry.Status, batch *runner.BatchOptions) {
	if accept == "" {
		accept = entry.StatusCompleted
	}
	from.AddPipe(runner.Pipe{
		Target:       to,
		AcceptStatus: accept,
		Batch:        batch,
		RecurseOnRun: true,
	})
}

// Add forwards to the first stage.
func (p *Pipeline[FR, FS, BR, BS]) Add(ctx context.Context, req FR, opts entry.AddOptions) (string, error) {
	return p.front.AddRequest(ctx, req, opts)
}

// Query forwards to the last stage.
func (p *Pipeline[FR, FS, BR, BS]) Query(ctx context.Context, filter entry.Filter) ([]*entry.Entry, error) {
	return p.back.Driver().Query(ctx, filter)
}

// Get forwards to the last stage.
func (p *Pipeline[FR, FS, BR, BS]) Get(ctx context.Context, id string) (*entry.Entry, error) {
	return p.back.Driver().Get(ctx, id)
}

// Result decodes a last-stage entry's output into BackResult.
func (p *Pipeline[FR, FS, BR, BS]) Result(e *entry.Entry) (BS, error) {
	return p.back.Result(e)
}

// Run drives the first stage; every downstream stage is reached through
// the Pipe recursion internal/runner.Runner.Run already performs.
func (p *Pipeline[FR, FS, BR, BS]) Run(ctx context.Context, opts runner.RunOptions) (bool, error) {
	return p.front.Run(ctx, opts)
}

// Maintain drives the first stage's maintenance cycle, which cascades
// stage hand-off through the whole chain via Pipe recursion.
func (p *Pipeline[FR, FS, BR, BS]) Maintain(ctx context.Context) error {
	return p.front.Maintain(ctx)
}

// Destroy is a no-op at the pipeline level: stages and their drivers are
// owned by whoever constructed them and are disposed of independently,
// bottom-up.
func (p *Pipeline[FR, FS, BR, BS]) Destroy(context.Context) error {
	return nil
}
