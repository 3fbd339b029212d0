// Package model defines the persistent entities shared by the store,
// ledger, pipeline, and executor packages.
package model

import (
	"fmt"
	"time"
)

// JobStatus is the lifecycle state of a Job.
type JobStatus string

const (
	JobPending    JobStatus = "PENDING"
	JobQueued     JobStatus = "QUEUED"
	JobRunning    JobStatus = "RUNNING"
	JobCompleted  JobStatus = "COMPLETED"
	JobFailed     JobStatus = "FAILED"
	JobTerminated JobStatus = "TERMINATED"
)

// IsTerminal reports whether status admits no further transition.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobTerminated:
		return true
	default:
		return false
	}
}

// Job is a single document processing request. FileContent is always
// encrypted at rest; repositories decrypt it into this field only for the
// lifetime of a detached, in-memory copy.
type Job struct {
	ID                int64                  `db:"id"`
	ProcessingID      string                 `db:"processing_id"`
	Filename          string                 `db:"filename"`
	FileContent       []byte                 `db:"file_content"`
	MimeType          string                 `db:"mime_type"`
	Status            JobStatus              `db:"status"`
	ProgressPercent   int                    `db:"progress_percent"`
	ProcessingOptions map[string]interface{} `db:"processing_options"`
	ResultData        map[string]interface{} `db:"result_data"`
	ErrorMessage      string                 `db:"error_message"`
	CreatedAt         time.Time              `db:"created_at"`
	UpdatedAt         time.Time              `db:"updated_at"`
}

// StepStatus is the lifecycle state of a StepExecution.
type StepStatus string

const (
	StepPending    StepStatus = "PENDING"
	StepRunning    StepStatus = "RUNNING"
	StepCompleted  StepStatus = "COMPLETED"
	StepFailed     StepStatus = "FAILED"
	StepSkipped    StepStatus = "SKIPPED"
	StepTerminated StepStatus = "TERMINATED"
)

// StepExecution is one attempted invocation of one pipeline step for one
// job. InputText and OutputText are always encrypted at rest.
type StepExecution struct {
	ID           int64      `db:"id"`
	JobRef       int64      `db:"job_ref"`
	StepName     string     `db:"step_name"`
	StepOrder    int        `db:"step_order"`
	Attempt      int        `db:"attempt"`
	InputText    []byte     `db:"input_text"`
	OutputText   []byte     `db:"output_text"`
	Status       StepStatus `db:"status"`
	StartedAt    *time.Time `db:"started_at"`
	FinishedAt   *time.Time `db:"finished_at"`
	ErrorMessage string     `db:"error_message"`
}

// OutputFormat constrains how a step's LLM response is parsed.
type OutputFormat string

const (
	OutputText     OutputFormat = "text"
	OutputJSON     OutputFormat = "json"
	OutputMarkdown OutputFormat = "markdown"
)

// StopConditions declares sentinel first-token values that terminate the
// pipeline when matched.
type StopConditions struct {
	StopOnValues        []string `db:"stop_on_values" json:"stop_on_values" validate:"omitempty,dive,uppercase"`
	TerminationReason   string   `db:"termination_reason" json:"termination_reason"`
	TerminationMessage  string   `db:"termination_message" json:"termination_message"`
}

// PipelineStep is the declarative configuration of one AI stage. Exactly
// one step in a configuration may set IsBranchingStep; the resolver
// enforces this, not validator tags (it is a cross-row invariant).
type PipelineStep struct {
	ID                      int64            `db:"id" validate:"-"`
	Order                   int              `db:"order" validate:"required,gt=0"`
	Name                    string           `db:"name" validate:"required"`
	Enabled                 bool             `db:"enabled"`
	PromptTemplate          string           `db:"prompt_template" validate:"required,contains={input_text}"`
	SystemPrompt            string           `db:"system_prompt"`
	ModelRef                int64            `db:"model_ref" validate:"required"`
	Temperature             float64          `db:"temperature" validate:"gte=0,lte=2"`
	MaxTokens               *int             `db:"max_tokens" validate:"omitempty,gt=0"`
	RetryOnFailure          bool             `db:"retry_on_failure"`
	MaxRetries              int              `db:"max_retries" validate:"gte=0,lte=10"`
	OutputFormat            OutputFormat     `db:"output_format" validate:"required,oneof=text json markdown"`
	DocumentClassRef        *int64           `db:"document_class_ref"`
	IsBranchingStep         bool             `db:"is_branching_step"`
	BranchingField          string           `db:"branching_field"`
	PostBranching           bool             `db:"post_branching"`
	SourceLanguage          *string          `db:"source_language"`
	RequiredContextVariables []string        `db:"required_context_variables"`
	StopConditions          *StopConditions  `db:"stop_conditions"`
}

// Validate enforces the cross-field invariants spec §3 assigns to
// PipelineStep beyond what validator tags capture on their own.
func (p *PipelineStep) Validate() error {
	if p.DocumentClassRef != nil {
		if p.PostBranching {
			return errConfigf("step %q: document_class_ref set but post_branching is true", p.Name)
		}
		if p.IsBranchingStep {
			return errConfigf("step %q: document_class_ref set but is_branching_step is true", p.Name)
		}
	}
	if p.PostBranching && p.DocumentClassRef != nil {
		return errConfigf("step %q: post_branching true but document_class_ref is set", p.Name)
	}
	return nil
}

// DocumentClass is a classification bucket a job's text may be routed to
// after the branching step runs.
type DocumentClass struct {
	ID           int64  `db:"id"`
	ClassKey     string `db:"class_key" validate:"required,uppercase"`
	DisplayName  string `db:"display_name" validate:"required"`
	IsEnabled    bool   `db:"is_enabled"`
	IsSystemClass bool  `db:"is_system_class"`
}

// ModelSpec describes an LLM endpoint and its pricing.
type ModelSpec struct {
	ID                    int64   `db:"id"`
	Provider              string  `db:"provider" validate:"required"`
	Name                  string  `db:"name" validate:"required"`
	DisplayName           string  `db:"display_name"`
	MaxTokens             int     `db:"max_tokens" validate:"gt=0"`
	SupportsVision        bool    `db:"supports_vision"`
	IsEnabled             bool    `db:"is_enabled"`
	PriceInputPer1MTokens float64 `db:"price_input_per_1m_tokens" validate:"gte=0"`
	PriceOutputPer1MTokens float64 `db:"price_output_per_1m_tokens" validate:"gte=0"`
}

// CostLedgerEntry is an immutable per-call accounting record. The ledger
// package only ever inserts these; nothing in this package ever updates or
// deletes one.
type CostLedgerEntry struct {
	ID                     int64                  `db:"id"`
	JobRef                 int64                  `db:"job_ref"`
	StepName               string                 `db:"step_name"`
	InputTokens            int                    `db:"input_tokens"`
	OutputTokens           int                    `db:"output_tokens"`
	TotalTokens            int                    `db:"total_tokens"`
	InputCostUSD           float64                `db:"input_cost_usd"`
	OutputCostUSD          float64                `db:"output_cost_usd"`
	TotalCostUSD           float64                `db:"total_cost_usd"`
	ModelProvider          string                 `db:"model_provider"`
	ModelName              string                 `db:"model_name"`
	ProcessingTimeSeconds  float64                `db:"processing_time_seconds"`
	DocumentType           string                 `db:"document_type"`
	CreatedAt              time.Time              `db:"created_at"`
	Metadata               map[string]interface{} `db:"metadata"`
}

type configError struct{ msg string }

func (e *configError) Error() string { return e.msg }

func errConfigf(format string, args ...interface{}) error {
	return &configError{msg: fmt.Sprintf(format, args...)}
}
