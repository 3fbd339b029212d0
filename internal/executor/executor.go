// Package executor implements the pipeline executor (Component D): it runs
// a resolved plan against an LLM provider for one job, threading a mutable
// run context through steps and recording StepExecution/CostLedgerEntry
// rows as it goes.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/medpipe/core/infrastructure/metrics"
	"github.com/medpipe/core/infrastructure/resilience"
	"github.com/medpipe/core/internal/errs"
	"github.com/medpipe/core/internal/ledger"
	"github.com/medpipe/core/internal/llmprovider"
	"github.com/medpipe/core/internal/model"
	"github.com/medpipe/core/internal/pipeline"
	"github.com/medpipe/core/internal/store"
)

// Outcome is the explicit result variant an executor run resolves to,
// replacing exception-driven termination: the scheduler translates this
// directly into a Job state transition.
type Outcome struct {
	Status       model.JobStatus
	ErrorMessage string
	ResultData   map[string]interface{}
}

func completed(resultData map[string]interface{}) Outcome {
	return Outcome{Status: model.JobCompleted, ResultData: resultData}
}

func failed(reason string) Outcome {
	return Outcome{Status: model.JobFailed, ErrorMessage: reason}
}

func terminated(reason, message string) Outcome {
	return Outcome{
		Status:       model.JobTerminated,
		ErrorMessage: message,
		ResultData: map[string]interface{}{
			"termination_reason":  reason,
			"termination_message": message,
		},
	}
}

// CancelChecker reports whether cooperative cancellation has been
// requested for a job. The executor consults it only between steps.
type CancelChecker func(ctx context.Context) (bool, error)

// StepTimeouts bounds the per-step LLM invocation wall clock.
type StepTimeouts struct {
	PerStep time.Duration
}

// DefaultStepTimeouts matches the defaults named in the scheduling policy.
func DefaultStepTimeouts() StepTimeouts {
	return StepTimeouts{PerStep: 5 * time.Minute}
}

// Executor runs one job's resolved plan to completion.
type Executor struct {
	jobs      *store.JobRepository
	steps     *store.StepExecutionRepository
	config    *store.ConfigRepository
	ledger    *ledger.Ledger
	providers *llmprovider.Registry
	metrics   *metrics.Metrics
	log       *logrus.Entry
	timeouts  StepTimeouts
	backoff   resilience.RetryConfig
}

// New constructs an Executor. metrics may be nil.
func New(jobs *store.JobRepository, steps *store.StepExecutionRepository, config *store.ConfigRepository, ledger *ledger.Ledger, providers *llmprovider.Registry, m *metrics.Metrics, log *logrus.Entry, timeouts StepTimeouts) *Executor {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Executor{
		jobs: jobs, steps: steps, config: config, ledger: ledger, providers: providers,
		metrics: m, log: log, timeouts: timeouts, backoff: resilience.DefaultRetryConfig(),
	}
}

// Run executes plan against job, persisting StepExecution and
// CostLedgerEntry rows as it progresses. It never returns a non-nil error
// for an ordinary pipeline failure: those are reported through the
// returned Outcome. A non-nil error indicates an executor-internal problem
// (e.g. a storage failure reloading job state) the scheduler should treat
// as a crash, not a normal job failure.
func (e *Executor) Run(ctx context.Context, job *model.Job, plan *pipeline.Plan, cancelled CancelChecker) (Outcome, error) {
	targetLanguage, _ := job.ProcessingOptions["target_language"].(string)
	documentTypeHint, _ := job.ProcessingOptions["document_type_hint"].(string)

	rc := pipeline.NewRunContext(string(job.FileContent), targetLanguage)
	if documentTypeHint != "" {
		rc.Set("document_type", strings.ToUpper(documentTypeHint))
	}

	total := totalStepCount(plan, rc.DocumentType())
	completedCount := 0

	runPhase := func(steps []pipeline.ResolvedStep) (Outcome, bool, error) {
		for _, rs := range steps {
			if c, err := cancelled(ctx); err != nil {
				return Outcome{}, true, fmt.Errorf("check cancellation: %w", err)
			} else if c {
				return failed("cancelled"), true, nil
			}

			outcome, stepErr := e.runStep(ctx, job, rs, rc, &completedCount, &total)
			if stepErr != nil {
				return Outcome{}, true, stepErr
			}
			if outcome != nil {
				return *outcome, true, nil
			}
		}
		return Outcome{}, false, nil
	}

	if outcome, stop, err := runPhase(plan.PreSteps); stop || err != nil {
		return outcome, err
	}

	if documentTypeHint == "" && plan.BranchingStep != nil {
		outcome, stepErr := e.runStep(ctx, job, *plan.BranchingStep, rc, &completedCount, &total)
		if stepErr != nil {
			return Outcome{}, stepErr
		}
		if outcome != nil {
			return *outcome, nil
		}
	}

	// The branching step (or a document_type_hint known from the start)
	// determines which class steps run; the denominator must reflect that
	// before any class step advances completedCount, or progress_percent
	// overshoots 100 for jobs with by-class steps.
	total = totalStepCount(plan, rc.DocumentType())

	if outcome, stop, err := runPhase(plan.PostBranchWithinPre); stop || err != nil {
		return outcome, err
	}

	if classSteps := plan.ClassSteps(rc.DocumentType()); classSteps != nil {
		if outcome, stop, err := runPhase(classSteps); stop || err != nil {
			return outcome, err
		}
	}

	if outcome, stop, err := runPhase(plan.PostSteps); stop || err != nil {
		return outcome, err
	}

	result := map[string]interface{}{}
	if dt := rc.DocumentType(); dt != "" {
		result["document_type"] = dt
	}
	if out, ok := rc.Get("input_text"); ok {
		result["output_text"] = out
	}
	return completed(result), nil
}

// runStep executes the per-step protocol (spec §4.D). It returns a non-nil
// *Outcome when the run must stop here (stop condition, fatal failure), or
// nil to continue to the next step.
func (e *Executor) runStep(ctx context.Context, job *model.Job, rs pipeline.ResolvedStep, rc *pipeline.RunContext, completedCount *int, total *int) (*Outcome, error) {
	step := rs.Step

	// 1. Gating.
	if missing := rc.Has(step.RequiredContextVariables); len(missing) > 0 {
		if _, err := e.persistStep(ctx, job.ID, step, 1, "", "", model.StepSkipped, ""); err != nil {
			return nil, err
		}
		e.log.WithFields(logrus.Fields{"job_id": job.ID, "step": step.Name, "missing": missing}).
			Debug("step skipped: required context variables missing")
		return nil, nil
	}

	// 2. Prompt render.
	prompt := pipeline.RenderPrompt(step.PromptTemplate, rc)
	inputText, _ := rc.Get("input_text")

	maxAttempts := 1
	if step.RetryOnFailure {
		maxAttempts = step.MaxRetries + 1
	}

	var lastErr error
	var resp llmprovider.Response
	var respElapsed time.Duration
	attempt := 0

	for attempt = 1; attempt <= maxAttempts; attempt++ {
		start := time.Now()
		callResp, callErr := e.invoke(ctx, step, prompt)
		elapsed := time.Since(start)

		if callErr == nil {
			// 4. Parse.
			if step.OutputFormat == model.OutputJSON && !json.Valid([]byte(callResp.Text)) {
				callErr = errs.New(errs.CodeTransientProviderError, "step output is not valid JSON")
			}
		}

		if callErr == nil {
			resp = callResp
			respElapsed = elapsed
			lastErr = nil
			break
		}

		lastErr = callErr
		if e.metrics != nil {
			e.metrics.RecordStepRetry("worker", step.Name, classifyRetryReason(callErr))
		}

		isLastAttempt := attempt == maxAttempts
		se := model.StepExecution{
			JobRef: job.ID, StepName: step.Name, StepOrder: step.Order, Attempt: attempt,
			InputText: []byte(inputText), Status: model.StepFailed, ErrorMessage: callErr.Error(),
		}
		if _, err := e.steps.Create(ctx, &se); err != nil {
			return nil, fmt.Errorf("persist failed step attempt: %w", err)
		}

		if !llmprovider.IsTransient(callErr) &&
			!errs.Is(callErr, errs.CodeTransientProviderError) &&
			!errs.Is(callErr, errs.CodeTimeout) {
			// permanent errors are fatal regardless of remaining attempts.
			break
		}
		if isLastAttempt {
			break
		}

		select {
		case <-ctx.Done():
			lastErr = ctx.Err()
		case <-time.After(resilience.BackoffDelay(attempt, e.backoff)):
			continue
		}
		break
	}

	if lastErr != nil {
		if e.metrics != nil {
			e.metrics.RecordStep("worker", step.Name, "FAILED", 0)
		}
		if rs.Kind == pipeline.KindBranch {
			// branching step failure: skip by-class plan, continue with post steps.
			e.log.WithError(lastErr).WithField("step", step.Name).
				Warn("branching step failed; continuing without classification")
			return nil, nil
		}
		return ptr(failed(fmt.Sprintf("step %q failed: %v", step.Name, lastErr))), nil
	}

	// 5. Stop-condition check.
	if step.StopConditions != nil && len(step.StopConditions.StopOnValues) > 0 {
		token := pipeline.FirstTokenUpper(resp.Text)
		if containsUpper(step.StopConditions.StopOnValues, token) {
			if _, err := e.persistStep(ctx, job.ID, step, attempt, inputText, resp.Text, model.StepTerminated, ""); err != nil {
				return nil, err
			}
			e.recordStepLedger(ctx, job, step, rc, resp, respElapsed)
			*completedCount++
			return ptr(terminated(step.StopConditions.TerminationReason, step.StopConditions.TerminationMessage)), nil
		}
	}

	// 6. Branching capture.
	if step.IsBranchingStep {
		if value, ok := pipeline.ExtractBranchingField(resp.Text, step.BranchingField); ok {
			rc.Set("document_type", value)
		}
	}

	// 7. Persist + advance.
	if _, err := e.persistStep(ctx, job.ID, step, attempt, inputText, resp.Text, model.StepCompleted, ""); err != nil {
		return nil, err
	}
	e.recordStepLedger(ctx, job, step, rc, resp, respElapsed)
	rc.Set("input_text", resp.Text)
	*completedCount++

	progress := 0
	if *total > 0 {
		progress = int(math.Floor(100 * float64(*completedCount) / float64(*total)))
		if progress > 100 {
			progress = 100
		}
	}
	if progress < job.ProgressPercent {
		progress = job.ProgressPercent
	}
	job.ProgressPercent = progress
	if err := e.jobs.Update(ctx, job.ID, job.ProcessingID, map[string]interface{}{
		"progress_percent": progress,
	}); err != nil {
		e.log.WithError(err).Warn("failed to update job progress_percent")
	}

	if e.metrics != nil {
		e.metrics.RecordStep("worker", step.Name, "COMPLETED", 0)
	}
	return nil, nil
}

func (e *Executor) invoke(ctx context.Context, step model.PipelineStep, prompt string) (llmprovider.Response, error) {
	spec, err := e.config.GetModelSpec(ctx, step.ModelRef)
	if err != nil {
		return llmprovider.Response{}, errs.Wrap(errs.CodePermanentProviderError, "model spec lookup failed", err)
	}
	provider, err := e.providers.Resolve(spec.Provider)
	if err != nil {
		return llmprovider.Response{}, errs.Wrap(errs.CodePermanentProviderError, "no provider registered", err)
	}

	stepCtx, cancel := context.WithTimeout(ctx, e.timeouts.PerStep)
	defer cancel()

	maxTokens := 0
	if step.MaxTokens != nil {
		maxTokens = *step.MaxTokens
	}

	resp, err := provider.Complete(stepCtx, llmprovider.Request{
		Model:       spec.Name,
		System:      step.SystemPrompt,
		Prompt:      prompt,
		Temperature: step.Temperature,
		MaxTokens:   maxTokens,
	})
	if err != nil {
		if stepCtx.Err() != nil {
			return llmprovider.Response{}, errs.Timeout(step.Name)
		}
		return llmprovider.Response{}, err
	}
	return resp, nil
}

func (e *Executor) recordStepLedger(ctx context.Context, job *model.Job, step model.PipelineStep, rc *pipeline.RunContext, resp llmprovider.Response, elapsed time.Duration) {
	_ = e.ledger.Log(ctx, ledger.LogParams{
		JobRef:                job.ID,
		StepName:              step.Name,
		InputTokens:           resp.InputTokens,
		OutputTokens:          resp.OutputTokens,
		ModelRef:              step.ModelRef,
		ProcessingTimeSeconds: elapsed.Seconds(),
		DocumentType:          rc.DocumentType(),
	})
}

func (e *Executor) persistStep(ctx context.Context, jobID int64, step model.PipelineStep, attempt int, input, output string, status model.StepStatus, errMsg string) (int64, error) {
	now := time.Now().UTC()
	se := model.StepExecution{
		JobRef: jobID, StepName: step.Name, StepOrder: step.Order, Attempt: attempt,
		InputText: []byte(input), OutputText: []byte(output),
		Status: status, FinishedAt: &now, ErrorMessage: errMsg,
	}
	return e.steps.Create(ctx, &se)
}

func totalStepCount(plan *pipeline.Plan, documentType string) int {
	n := len(plan.PreSteps) + len(plan.PostBranchWithinPre) + len(plan.PostSteps)
	if plan.BranchingStep != nil {
		n++
	}
	n += len(plan.ClassSteps(documentType))
	return n
}

func containsUpper(values []string, token string) bool {
	for _, v := range values {
		if strings.EqualFold(v, token) {
			return true
		}
	}
	return false
}

func classifyRetryReason(err error) string {
	if llmprovider.IsTransient(err) {
		return "transient_provider_error"
	}
	return "json_parse_failure"
}

func ptr(o Outcome) *Outcome { return &o }
