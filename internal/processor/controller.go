package processor

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/your-org/etlflow/internal/ledger"
	"github.com/your-org/etlflow/internal/pipeline"
	"github.com/your-org/etlflow/pkg/storage/objectstore"
)

// State names the position of an invocation in its lifecycle.
type State string

const (
	StateReceived        State = "received"
	StateNormalized      State = "normalized"
	StateLedgerAdmitted  State = "ledger_admitted"
	StateTransformed     State = "transformed"
	StateCommitted       State = "committed"
	StateLedgerCompleted State = "ledger_completed"
	StateRejected        State = "rejected"
	StateSkipped         State = "skipped"
	StateFailed          State = "failed"
)

// Outcome tells the hosting runtime what to do with the triggering delivery.
type Outcome int

const (
	// OutcomeAck acknowledges the delivery; processing succeeded or was
	// legitimately skipped.
	OutcomeAck Outcome = iota
	// OutcomeRetry asks the runtime to redeliver; the failure was transient
	// and attempts remain.
	OutcomeRetry
	// OutcomeDrop discards the delivery permanently.
	OutcomeDrop
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAck:
		return "ack"
	case OutcomeRetry:
		return "retry"
	case OutcomeDrop:
		return "drop"
	default:
		return "unknown"
	}
}

// Result reports the terminal state of one invocation.
type Result struct {
	State    State
	Outcome  Outcome
	ObjectID string
	OutputID string
	Attempts int
	Err      error
}

// Notifier publishes processed-object announcements downstream.
type Notifier interface {
	Publish(ctx context.Context, key []byte, value []byte, headers map[string]string) error
}

// Config bounds retries and names the destination layout.
type Config struct {
	MaxAttempts       int
	StrictRecords     bool
	DestinationPrefix string
}

// Controller orchestrates one bounded, single-object invocation: normalize the
// notification, claim the object in the ledger, transform, commit, complete.
type Controller struct {
	cfg        Config
	normalizer *Normalizer
	ledger     ledger.Ledger
	source     objectstore.Client
	pipeline   *pipeline.Pipeline
	committer  *Committer
	notifier   Notifier
	metrics    *Metrics
	logger     *zap.Logger
	tracer     trace.Tracer
}

// Params collects the controller's collaborators.
type Params struct {
	Config    Config
	Ledger    ledger.Ledger
	Source    objectstore.Client
	Committer *Committer
	Notifier  Notifier
	Metrics   *Metrics
	Logger    *zap.Logger
}

// NewController constructs a Controller.
func NewController(p Params) *Controller {
	return &Controller{
		cfg:        p.Config,
		normalizer: NewNormalizer(),
		ledger:     p.Ledger,
		source:     p.Source,
		pipeline:   pipeline.New(pipeline.Options{Strict: p.Config.StrictRecords}),
		committer:  p.Committer,
		notifier:   p.Notifier,
		metrics:    p.Metrics,
		logger:     p.Logger,
		tracer:     otel.Tracer("etlflow/processor"),
	}
}

// Handle processes one raw notification and returns a Result per resolved
// object plus the aggregate outcome for the delivery: Retry dominates, then
// Drop, then Ack.
func (c *Controller) Handle(ctx context.Context, raw []byte) ([]Result, Outcome) {
	events, err := c.normalizer.Normalize(raw)
	if err != nil {
		c.metrics.Rejected.Inc()
		c.logger.Warn("notification rejected", zap.Error(err))
		return []Result{{State: StateRejected, Outcome: OutcomeDrop, Err: err}}, OutcomeDrop
	}
	if len(events) == 0 {
		return nil, OutcomeAck
	}

	results := make([]Result, 0, len(events))
	for _, ev := range events {
		results = append(results, c.process(ctx, ev))
	}
	return results, aggregate(results)
}

func (c *Controller) process(ctx context.Context, ev IngestEvent) Result {
	objectID := ev.ObjectID()
	start := time.Now()

	ctx, span := c.tracer.Start(ctx, "processor.invoke", trace.WithAttributes(
		attribute.String("etlflow.object_id", objectID),
		attribute.String("etlflow.delivery_id", ev.DeliveryID),
	))
	defer span.End()
	defer func() { c.metrics.InvocationDuration.Observe(time.Since(start).Seconds()) }()

	log := c.logger.With(zap.String("object_id", objectID), zap.String("delivery_id", ev.DeliveryID))

	adm, entry, err := c.ledger.TryBegin(ctx, objectID)
	if err != nil {
		log.Error("ledger admission failed", zap.Error(err))
		return Result{State: StateNormalized, Outcome: OutcomeRetry, ObjectID: objectID, Err: err}
	}

	switch adm {
	case ledger.AlreadyCompleted:
		c.metrics.Skipped.Inc()
		log.Info("skipping, already completed", zap.String("output_id", entry.OutputID))
		return Result{State: StateSkipped, Outcome: OutcomeAck, ObjectID: objectID, OutputID: entry.OutputID, Attempts: entry.AttemptCount}
	case ledger.InProgressElsewhere:
		c.metrics.Skipped.Inc()
		log.Info("skipping, attempt in progress elsewhere")
		return Result{State: StateSkipped, Outcome: OutcomeAck, ObjectID: objectID, Attempts: entry.AttemptCount}
	case ledger.Exhausted:
		c.metrics.Failed.Inc()
		log.Error("retry budget exhausted, dropping", zap.Int("attempts", entry.AttemptCount))
		return Result{State: StateFailed, Outcome: OutcomeDrop, ObjectID: objectID, Attempts: entry.AttemptCount}
	}

	c.metrics.Admitted.Inc()
	log.Info("admitted", zap.Int("attempt", entry.AttemptCount))

	raw, err := c.source.Get(ctx, ev.Key)
	if err != nil {
		return c.fail(ctx, log, objectID, entry.AttemptCount, err, "read source object")
	}

	res, err := c.pipeline.Run(raw)
	if err != nil {
		return c.fail(ctx, log, objectID, entry.AttemptCount, err, "transform payload")
	}
	if res.Dropped > 0 {
		c.metrics.RecordsDropped.Add(float64(res.Dropped))
		log.Warn("dropped malformed records", zap.Int("dropped", res.Dropped))
	}

	destKey := c.destinationKey(ev.Key)
	outputID, err := c.committer.Commit(ctx, res, destKey)
	if err != nil {
		return c.fail(ctx, log, objectID, entry.AttemptCount, err, "commit output")
	}

	if err := c.ledger.Complete(ctx, objectID, outputID); err != nil {
		// The output is durable; the next admission will find identical
		// content at the destination and complete cheaply.
		return c.fail(ctx, log, objectID, entry.AttemptCount, err, "complete ledger entry")
	}

	c.metrics.Committed.Inc()
	log.Info("committed",
		zap.String("output_id", outputID),
		zap.Int("records", res.Records),
		zap.Int("dropped", res.Dropped),
		zap.Int("attempts", entry.AttemptCount))

	c.announce(ctx, log, ev, res, outputID)

	return Result{
		State:    StateLedgerCompleted,
		Outcome:  OutcomeAck,
		ObjectID: objectID,
		OutputID: outputID,
		Attempts: entry.AttemptCount,
	}
}

func (c *Controller) fail(ctx context.Context, log *zap.Logger, objectID string, attempts int, cause error, step string) Result {
	c.metrics.Failed.Inc()

	if _, err := c.ledger.Fail(ctx, objectID); err != nil && !errors.Is(err, ledger.ErrNotFound) {
		log.Error("record attempt failure", zap.Error(err))
	}

	outcome := OutcomeRetry
	if attempts >= c.cfg.MaxAttempts {
		outcome = OutcomeDrop
	}
	log.Error("attempt failed",
		zap.String("step", step),
		zap.Int("attempt", attempts),
		zap.Stringer("outcome", outcome),
		zap.Error(cause))

	return Result{State: StateFailed, Outcome: outcome, ObjectID: objectID, Attempts: attempts, Err: cause}
}

// destinationKey maps a source key to its destination: the leading path
// element (the raw landing prefix) is replaced by the configured destination
// prefix, so raw/2024/a.csv becomes processed/2024/a.csv.
func (c *Controller) destinationKey(key string) string {
	if i := strings.Index(key, "/"); i >= 0 {
		key = key[i+1:]
	}
	return c.cfg.DestinationPrefix + key
}

func (c *Controller) announce(ctx context.Context, log *zap.Logger, ev IngestEvent, res *pipeline.Result, outputID string) {
	if c.notifier == nil {
		return
	}

	event := ProcessedEvent{
		ObjectID:       ev.ObjectID(),
		OutputID:       outputID,
		Schema:         res.Schema,
		Records:        res.Records,
		DroppedRecords: res.Dropped,
		Checksum:       Checksum(res.Bytes),
		SizeBytes:      int64(len(res.Bytes)),
		CompletedAt:    time.Now().UTC(),
	}
	payload, err := json.Marshal(event)
	if err != nil {
		log.Error("marshal processed event", zap.Error(err))
		return
	}

	headers := map[string]string{
		"event_type": "object.processed",
		"schema":     res.Schema,
	}
	if err := c.notifier.Publish(ctx, []byte(event.ObjectID), payload, headers); err != nil {
		// Announcement is best effort: the commit and ledger entry are already
		// durable, so a publish failure must not fail the invocation.
		log.Warn("publish processed event", zap.Error(err))
	}
}

func aggregate(results []Result) Outcome {
	outcome := OutcomeAck
	for _, r := range results {
		switch r.Outcome {
		case OutcomeRetry:
			return OutcomeRetry
		case OutcomeDrop:
			outcome = OutcomeDrop
		}
	}
	return outcome
}
