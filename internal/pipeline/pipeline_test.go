package pipeline

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"durableq/internal/driver/memory"
	"durableq/internal/entry"
	"durableq/internal/logging"
	"durableq/internal/runner"
)

type doublerInput struct {
	Value string `json:"value"`
}

type doublerOutput struct {
	Value   string `json:"value"`
	Doubled string `json:"doubled"`
}

type lengthInput struct {
	Value   string `json:"value"`
	Doubled string `json:"doubled"`
}

type lengthOutput struct {
	Value   string `json:"value"`
	Doubled string `json:"doubled"`
	Length  int    `json:"length"`
}

// batchEnvelope mirrors the shape internal/runner wraps batched hand-off
// payloads in; it's redeclared here because the real type is unexported,
// but JSON decoding only cares about the wire shape.
type batchEnvelope struct {
	Items [][]byte `json:"items"`
}

type batchPayload struct {
	Items []lengthOutput
}

type finalResult struct {
	Count int `json:"count"`
}

func newDoublerStage() *runner.Runner[doublerInput, doublerOutput, doublerInput, doublerOutput] {
	return runner.NewJSONRunner(runner.Config[doublerInput, doublerOutput, doublerInput, doublerOutput]{
		Name:      "doubler",
		Drv:       memory.New(),
		Logger:    logging.Nop,
		BatchSize: 100,
		Processor: func(ctx context.Context, id string, req doublerInput) (runner.Verdict[doublerOutput], error) {
			return runner.Verdict[doublerOutput]{
				Status:    entry.StatusCompleted,
				HasOutput: true,
				Output:    doublerOutput{Value: req.Value, Doubled: req.Value + req.Value},
			}, nil
		},
	})
}

func newLengthStage() *runner.Runner[lengthInput, lengthOutput, lengthInput, lengthOutput] {
	return runner.NewJSONRunner(runner.Config[lengthInput, lengthOutput, lengthInput, lengthOutput]{
		Name:      "length",
		Drv:       memory.New(),
		Logger:    logging.Nop,
		BatchSize: 100,
		Processor: func(ctx context.Context, id string, req lengthInput) (runner.Verdict[lengthOutput], error) {
			return runner.Verdict[lengthOutput]{
				Status:    entry.StatusCompleted,
				HasOutput: true,
				Output:    lengthOutput{Value: req.Value, Doubled: req.Doubled, Length: len(req.Doubled)},
			}, nil
		},
	})
}

func newFinalStage() *runner.Runner[batchPayload, finalResult, batchEnvelope, finalResult] {
	return runner.New(runner.Config[batchPayload, finalResult, batchEnvelope, finalResult]{
		Name:      "final",
		Drv:       memory.New(),
		Logger:    logging.Nop,
		BatchSize: 100,
		EncodeRequest: func(p batchPayload) (batchEnvelope, error) {
			env := batchEnvelope{}
			for _, item := range p.Items {
				data, err := json.Marshal(item)
				if err != nil {
					return batchEnvelope{}, err
				}
				env.Items = append(env.Items, data)
			}
			return env, nil
		},
		DecodeRequest: func(env batchEnvelope) (batchPayload, error) {
			p := batchPayload{}
			for _, raw := range env.Items {
				var lo lengthOutput
				if err := json.Unmarshal(raw, &lo); err != nil {
					return batchPayload{}, err
				}
				p.Items = append(p.Items, lo)
			}
			return p, nil
		},
		EncodeResponse: func(r finalResult) (finalResult, error) { return r, nil },
		DecodeResponse: func(r finalResult) (finalResult, error) { return r, nil },
		Processor: func(ctx context.Context, id string, req batchPayload) (runner.Verdict[finalResult], error) {
			return runner.Verdict[finalResult]{
				Status:    entry.StatusCompleted,
				HasOutput: true,
				Output:    finalResult{Count: len(req.Items)},
			}, nil
		},
	})
}

func drive(t *testing.T, p interface {
	Run(context.Context, runner.RunOptions) (bool, error)
	Maintain(context.Context) error
}, cycles int,
) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < cycles; i++ {
		_, err := p.Run(ctx, runner.RunOptions{})
		require.NoError(t, err)
		require.NoError(t, p.Maintain(ctx))
	}
}

// Scenario 7: a three-stage pipeline, the final stage batched at
// exactly size 2, processes five inputs into two full batches plus one
// leftover, then a sixth input completes a third batch with the
// leftover.
func TestThreeStagePipelineBatching(t *testing.T) {
	doubler := newDoublerStage()
	lengther := newLengthStage()
	final := newFinalStage()

	Connect(doubler, lengther, entry.StatusCompleted, nil)
	Connect(lengther, final, entry.StatusCompleted, &runner.BatchOptions{MinBatchSize: 2, MaxBatchSize: 2})

	pl := New[doublerInput, doublerOutput, batchPayload, finalResult](doubler, final)

	ctx := context.Background()
	values := []string{"10", "a", "abc", "defg", "blah"}
	ids := make([]string, 0, len(values))
	for _, v := range values {
		id, err := pl.Add(ctx, doublerInput{Value: v}, entry.AddOptions{})
		require.NoError(t, err)
		ids = append(ids, id)
	}

	drive(t, pl, 10)

	entries, err := pl.Query(ctx, entry.Filter{Status: entry.StatusCompleted, HasStatus: true})
	require.NoError(t, err)
	require.Len(t, entries, 2)

	delivered := map[string]struct{}{}
	for _, e := range entries {
		require.Len(t, e.IdempotentKeys, 2)
		for k := range e.IdempotentKeys {
			delivered[k] = struct{}{}
		}
		res, err := pl.Result(e)
		require.NoError(t, err)
		require.Equal(t, 2, res.Count)
	}
	require.Len(t, delivered, 4)

	var leftover string
	for _, id := range ids {
		if _, ok := delivered[id]; !ok {
			leftover = id
		}
	}
	require.NotEmpty(t, leftover)

	// lengther still has the leftover entry sitting in completed, not
	// (yet) moved, since it never found a batch partner.
	leftoverEntry, err := lengther.Get(ctx, leftover)
	require.NoError(t, err)
	require.Equal(t, entry.StatusCompleted, leftoverEntry.Status)

	sixthID, err := pl.Add(ctx, doublerInput{Value: "xy"}, entry.AddOptions{})
	require.NoError(t, err)

	drive(t, pl, 10)

	entries, err = pl.Query(ctx, entry.Filter{Status: entry.StatusCompleted, HasStatus: true})
	require.NoError(t, err)
	require.Len(t, entries, 3)

	delivered = map[string]struct{}{}
	for _, e := range entries {
		for k := range e.IdempotentKeys {
			delivered[k] = struct{}{}
		}
	}
	require.Len(t, delivered, 6)
	require.Contains(t, delivered, leftover)
	require.Contains(t, delivered, sixthID)
}
