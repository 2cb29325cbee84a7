// Package pipeline implements the deterministic clean → enrich → format chain
// applied to raw sales exports before they are committed downstream.
package pipeline

import (
	"fmt"
	"time"
)

// Schema tags the shape of formatted output so consumers can validate compatibility.
const Schema = "sales-enriched-v1"

// Record is one sales row, parsed from the raw CSV export. Derived fields are
// populated by the enrich stage.
type Record struct {
	SaleID          string
	ProductID       string
	CustomerID      string
	CampaignID      string
	OrderDate       time.Time
	SaleAmount      float64
	DiscountApplied float64
	DeliveryFee     float64

	NetAmount    float64
	OrderYear    int
	OrderMonth   int
	OrderDay     int
	OrderWeekday string
}

// Payload is the unit of data flowing between stages. Raw holds the input
// bytes before clean and the serialized output after format.
type Payload struct {
	Raw     []byte
	Records []Record
	Dropped int
}

// StageError reports a failure inside a single stage, carrying the offending
// record so the object can be diagnosed without replaying it.
type StageError struct {
	Stage  string
	Record string
	Err    error
}

func (e *StageError) Error() string {
	if e.Record != "" {
		return fmt.Sprintf("stage %s: record %q: %v", e.Stage, e.Record, e.Err)
	}
	return fmt.Sprintf("stage %s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// TransformError is the pipeline-level failure returned by Run.
type TransformError struct {
	Stage string
	Err   error
}

func (e *TransformError) Error() string {
	return fmt.Sprintf("transform failed at stage %s: %v", e.Stage, e.Err)
}

func (e *TransformError) Unwrap() error { return e.Err }

// Stage is one step of the pipeline. Stages are pure: identical input payloads
// must produce identical outputs.
type Stage interface {
	Name() string
	Run(p *Payload) (*Payload, error)
}

// Options configures pipeline behaviour.
type Options struct {
	// Strict aborts the whole payload on the first malformed record instead of
	// dropping and counting it.
	Strict bool
}

// Result is the outcome of a full pipeline run.
type Result struct {
	Bytes   []byte
	Schema  string
	Records int
	Dropped int
}

// Pipeline is an ordered sequence of stages.
type Pipeline struct {
	stages []Stage
}

// New builds the standard clean → enrich → format pipeline.
func New(opts Options) *Pipeline {
	return NewWithStages(
		&cleanStage{strict: opts.Strict},
		&enrichStage{},
		&formatStage{},
	)
}

// NewWithStages builds a pipeline from an explicit stage sequence.
func NewWithStages(stages ...Stage) *Pipeline {
	return &Pipeline{stages: stages}
}

// Run applies every stage in order. Any stage failure aborts the run and is
// reported as a TransformError naming the failing stage.
func (pl *Pipeline) Run(raw []byte) (*Result, error) {
	p := &Payload{Raw: raw}
	for _, s := range pl.stages {
		out, err := s.Run(p)
		if err != nil {
			return nil, &TransformError{Stage: s.Name(), Err: err}
		}
		p = out
	}
	return &Result{
		Bytes:   p.Raw,
		Schema:  Schema,
		Records: len(p.Records),
		Dropped: p.Dropped,
	}, nil
}
