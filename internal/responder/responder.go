package responder

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/MikeSquared-Agency/parley/internal/conversation"
)

// TimeoutReply is sent to the user when the backend misses its deadline.
const TimeoutReply = "The request timed out. Please try again."

// Backend is an inference service that turns a conversation into a reply.
type Backend interface {
	Chat(ctx context.Context, messages []conversation.Message, temperature float64) (string, error)
}

type Outcome string

const (
	OutcomeOK           Outcome = "ok"
	OutcomeTimedOut     Outcome = "timed_out"
	OutcomeBackendError Outcome = "backend_error"
)

// Reply is the classified result of one backend call.
type Reply struct {
	Outcome  Outcome
	Text     string
	Err      error
	Duration time.Duration
}

// Content is the text that goes into the log and back to the user.
func (r Reply) Content() string {
	switch r.Outcome {
	case OutcomeTimedOut:
		return TimeoutReply
	case OutcomeBackendError:
		return fmt.Sprintf("An error occurred: %v", r.Err)
	default:
		return r.Text
	}
}

type Responder struct {
	backend     Backend
	temperature float64
	timeout     time.Duration
	logger      *slog.Logger
}

func New(backend Backend, temperature float64, timeout time.Duration, logger *slog.Logger) *Responder {
	return &Responder{
		backend:     backend,
		temperature: temperature,
		timeout:     timeout,
		logger:      logger,
	}
}

type result struct {
	text string
	err  error
}

// Complete makes one backend call bounded by the configured timeout. A
// result that arrives after the deadline is dropped.
func (r *Responder) Complete(ctx context.Context, messages []conversation.Message) Reply {
	start := time.Now()
	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	done := make(chan result, 1)
	go func() {
		text, err := r.backend.Chat(callCtx, messages, r.temperature)
		done <- result{text: text, err: err}
	}()

	var res result
	select {
	case res = <-done:
	case <-callCtx.Done():
		res = result{err: callCtx.Err()}
	}
	elapsed := time.Since(start)

	switch {
	case res.err == nil:
		return Reply{Outcome: OutcomeOK, Text: res.text, Duration: elapsed}
	case ctx.Err() == nil && callCtx.Err() == context.DeadlineExceeded:
		r.logger.Warn("inference timed out", "timeout", r.timeout, "messages", len(messages))
		return Reply{Outcome: OutcomeTimedOut, Err: res.err, Duration: elapsed}
	default:
		r.logger.Error("inference failed", "error", res.err, "messages", len(messages))
		return Reply{Outcome: OutcomeBackendError, Err: res.err, Duration: elapsed}
	}
}

// GetReply is Complete reduced to the text the caller should use.
func (r *Responder) GetReply(ctx context.Context, messages []conversation.Message) string {
	return r.Complete(ctx, messages).Content()
}
