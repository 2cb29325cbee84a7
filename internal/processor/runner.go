package processor

import (
	"context"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"go.uber.org/zap"

	"github.com/your-org/etlflow/pkg/kafka"
)

// MessageSource is the notification feed the runner drains, normally the
// Kafka consumer.
type MessageSource interface {
	Fetch(ctx context.Context) (kafka.Message, error)
	Commit(ctx context.Context, msg kafka.Message) error
}

// Runner drives the controller from an at-least-once message source. It
// retries transient failures in-process with backoff and drops byte-identical
// redeliveries seen within the dedup window before they reach the ledger.
//
// Deliveries are resolved strictly in order: a retryable delivery holds the
// loop until it reaches a terminal state, because committing a later offset on
// the same partition would mark the unresolved one consumed. Termination is
// guaranteed by the ledger, which converts a delivery to a terminal Drop once
// its attempt budget is spent.
type Runner struct {
	source      MessageSource
	controller  *Controller
	logger      *zap.Logger
	backoff     time.Duration
	maxAttempts int
	seen        *ttlcache.Cache[string, struct{}]
}

type RunnerParams struct {
	Source       MessageSource
	Controller   *Controller
	Logger       *zap.Logger
	RetryBackoff time.Duration
	MaxAttempts  int
	DedupTTL     time.Duration
}

// NewRunner constructs a Runner.
func NewRunner(p RunnerParams) *Runner {
	return &Runner{
		source:      p.Source,
		controller:  p.Controller,
		logger:      p.Logger,
		backoff:     p.RetryBackoff,
		maxAttempts: p.MaxAttempts,
		seen: ttlcache.New[string, struct{}](
			ttlcache.WithTTL[string, struct{}](p.DedupTTL),
		),
	}
}

// Run consumes notifications until the context is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	go r.seen.Start()
	defer r.seen.Stop()

	for {
		msg, err := r.source.Fetch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.logger.Error("fetch notification", zap.Error(err))
			if !sleep(ctx, time.Second) {
				return ctx.Err()
			}
			continue
		}

		fingerprint := Checksum(msg.Value)
		if r.seen.Has(fingerprint) {
			r.logger.Debug("dropping duplicate delivery", zap.String("fingerprint", fingerprint))
			r.commit(ctx, msg)
			continue
		}

		outcome := r.handle(ctx, msg.Value)
		if outcome == OutcomeRetry {
			// Only on cancellation: the offset stays uncommitted so the
			// group redelivers after restart.
			return ctx.Err()
		}

		r.seen.Set(fingerprint, struct{}{}, ttlcache.DefaultTTL)
		r.commit(ctx, msg)
	}
}

// handle drives one delivery to a terminal outcome, retrying with backoff for
// as long as the controller reports it retryable. It returns OutcomeRetry only
// when the context ends first.
func (r *Runner) handle(ctx context.Context, raw []byte) Outcome {
	for attempt := 1; ; attempt++ {
		_, outcome := r.controller.Handle(ctx, raw)
		if outcome != OutcomeRetry {
			return outcome
		}
		if r.maxAttempts > 0 && attempt%r.maxAttempts == 0 {
			r.logger.Warn("delivery still unresolved, holding offset",
				zap.Int("attempts", attempt))
		}
		if !sleep(ctx, r.backoff) {
			return OutcomeRetry
		}
	}
}

func (r *Runner) commit(ctx context.Context, msg kafka.Message) {
	if err := r.source.Commit(ctx, msg); err != nil {
		r.logger.Error("commit notification offset", zap.Error(err))
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
