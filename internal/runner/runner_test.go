package runner

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"durableq/internal/driver/memory"
	"durableq/internal/entry"
	"durableq/internal/logging"
)

type greeting struct {
	Key string `json:"key"`
}

type echo struct {
	Value string `json:"value"`
}

func identityConfig(name string, maxRetries int, processTimeout time.Duration) Config[greeting, echo, greeting, echo] {
	return Config[greeting, echo, greeting, echo]{
		Name:            name,
		Drv:             memory.New(),
		Logger:          logging.Nop,
		MaxRetries:      maxRetries,
		ProcessTimeout:  processTimeout,
		BatchSize:       100,
		EncodeRequest:   func(g greeting) (greeting, error) { return g, nil },
		DecodeRequest:   func(g greeting) (greeting, error) { return g, nil },
		EncodeResponse:  func(e echo) (echo, error) { return e, nil },
		DecodeResponse:  func(e echo) (echo, error) { return e, nil },
	}
}

// Scenario 1: basic success.
func TestRunBasicSuccess(t *testing.T) {
	cfg := identityConfig("basic", 3, 100*time.Millisecond)
	cfg.Processor = func(ctx context.Context, id string, req greeting) (Verdict[echo], error) {
		return Verdict[echo]{Status: entry.StatusCompleted, Output: echo{Value: "OK"}, HasOutput: true}, nil
	}
	r := New(cfg)

	id, err := r.AddRequest(context.Background(), greeting{Key: "one"}, entry.AddOptions{})
	require.NoError(t, err)

	_, err = r.Run(context.Background(), RunOptions{})
	require.NoError(t, err)

	e, err := r.Get(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, entry.StatusCompleted, e.Status)
	require.Equal(t, 0, e.Failures)
	require.Empty(t, e.LastError)

	res, err := r.Result(e)
	require.NoError(t, err)
	require.Equal(t, "OK", res.Value)
}

// Scenario 2: manual transient failure escalates to failed_permanently
// after maxRetries requeue cycles.
func TestRunTransientFailureEscalates(t *testing.T) {
	cfg := identityConfig("transient", 3, 50*time.Millisecond)
	cfg.RetryDelay = 10 * time.Millisecond
	cfg.Processor = func(ctx context.Context, id string, req greeting) (Verdict[echo], error) {
		return Verdict[echo]{Status: entry.StatusFailedTemporarily}, nil
	}
	r := New(cfg)

	id, err := r.AddRequest(context.Background(), greeting{Key: "two"}, entry.AddOptions{})
	require.NoError(t, err)

	for i := 0; i < cfg.MaxRetries; i++ {
		_, err := r.Run(context.Background(), RunOptions{})
		require.NoError(t, err)
		time.Sleep(cfg.RetryDelay * 2)
		require.NoError(t, r.Maintain(context.Background()))
	}

	e, err := r.Get(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, entry.StatusFailedPermanently, e.Status)
	require.Equal(t, cfg.MaxRetries, e.Failures)
}

// Scenario 3: a processor error is treated like a raised failure.
func TestRunProcessorErrorBecomesTransientFailure(t *testing.T) {
	cfg := identityConfig("errs", 3, 50*time.Millisecond)
	cfg.RetryDelay = 10 * time.Millisecond
	cfg.Processor = func(ctx context.Context, id string, req greeting) (Verdict[echo], error) {
		return Verdict[echo]{}, errors.New("Processing error")
	}
	r := New(cfg)

	id, err := r.AddRequest(context.Background(), greeting{Key: "err"}, entry.AddOptions{})
	require.NoError(t, err)

	_, err = r.Run(context.Background(), RunOptions{})
	require.NoError(t, err)

	e, err := r.Get(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, entry.StatusFailedTemporarily, e.Status)
	require.Equal(t, 1, e.Failures)
	require.Equal(t, "Processing error", e.LastError)

	for i := 1; i < cfg.MaxRetries; i++ {
		time.Sleep(cfg.RetryDelay * 2)
		require.NoError(t, r.Maintain(context.Background()))
		_, err := r.Run(context.Background(), RunOptions{})
		require.NoError(t, err)
	}
	time.Sleep(cfg.RetryDelay * 2)
	require.NoError(t, r.Maintain(context.Background()))

	e, err = r.Get(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, entry.StatusFailedPermanently, e.Status)
}

// Scenario 4: a slow processor is cancelled and the entry moves to aborted.
func TestRunTimeoutAborts(t *testing.T) {
	cfg := identityConfig("slow", 3, 50*time.Millisecond)
	cfg.Processor = func(ctx context.Context, id string, req greeting) (Verdict[echo], error) {
		time.Sleep(500 * time.Millisecond)
		return Verdict[echo]{Status: entry.StatusCompleted}, nil
	}
	r := New(cfg)

	id, err := r.AddRequest(context.Background(), greeting{Key: "slow"}, entry.AddOptions{})
	require.NoError(t, err)

	_, err = r.Run(context.Background(), RunOptions{})
	require.NoError(t, err)

	e, err := r.Get(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, entry.StatusAborted, e.Status)
}

// Scenario 5: an entry stuck in processing for longer than
// processTimeout*stuckMultiplier is detected by maintenance.
func TestMaintainDetectsStuck(t *testing.T) {
	cfg := identityConfig("stuck", 3, 10*time.Millisecond)
	cfg.StuckMultiplier = 2
	cfg.Processor = func(ctx context.Context, id string, req greeting) (Verdict[echo], error) {
		return Verdict[echo]{Status: entry.StatusCompleted}, nil
	}
	r := New(cfg)

	id, err := r.AddRequest(context.Background(), greeting{Key: "stalled"}, entry.AddOptions{})
	require.NoError(t, err)

	require.NoError(t, r.cfg.Drv.SetStatus(context.Background(), id, entry.StatusProcessing, entry.SetStatusOptions{
		OldStatus: entry.StatusPending, HasOldStatus: true,
	}))

	time.Sleep(cfg.ProcessTimeout*time.Duration(cfg.StuckMultiplier) + 20*time.Millisecond)
	require.NoError(t, r.Maintain(context.Background()))

	e, err := r.Get(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, entry.StatusStuck, e.Status)
}

func TestRunnerDecodeErrorIsTransient(t *testing.T) {
	cfg := identityConfig("decode-fail", 3, 50*time.Millisecond)
	cfg.DecodeRequest = func(g greeting) (greeting, error) { return greeting{}, fmt.Errorf("cannot decode") }
	cfg.Processor = func(ctx context.Context, id string, req greeting) (Verdict[echo], error) {
		return Verdict[echo]{Status: entry.StatusCompleted}, nil
	}
	r := New(cfg)

	id, err := r.AddRequest(context.Background(), greeting{Key: "x"}, entry.AddOptions{})
	require.NoError(t, err)

	_, err = r.Run(context.Background(), RunOptions{})
	require.NoError(t, err)

	e, err := r.Get(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, entry.StatusFailedTemporarily, e.Status)
}
