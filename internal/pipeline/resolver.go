// Package pipeline resolves a job's dynamic execution plan (Component C)
// and carries the run context threaded through the executor.
package pipeline

import (
	"sort"
	"strconv"

	"github.com/medpipe/core/internal/errs"
	"github.com/medpipe/core/internal/model"
)

// StepKind tags which phase of the pipeline a resolved step belongs to.
// This is the tagged-variant encoding of Pre/Branch/Class(k)/Post: no
// runtime type assertion or string dispatch is needed once a step carries
// its Kind.
type StepKind int

const (
	KindPre StepKind = iota
	KindBranch
	KindClass
	KindPost
)

func (k StepKind) String() string {
	switch k {
	case KindPre:
		return "pre"
	case KindBranch:
		return "branch"
	case KindClass:
		return "class"
	case KindPost:
		return "post"
	default:
		return "unknown"
	}
}

// ResolvedStep pairs a PipelineStep with the phase it runs in.
type ResolvedStep struct {
	Step model.PipelineStep
	Kind StepKind
}

// Plan is the lazy execution plan the resolver hands to the executor:
// (pre_steps, branching_step_or_none, post_branch_within_pre, by_class_map,
// post_steps) from the resolver algorithm. The executor consumes it
// incrementally as it learns document_type at runtime.
type Plan struct {
	// PreSteps run before the branching step (order <= branching.order, or
	// all of the pre set if there is no branching step).
	PreSteps []ResolvedStep
	// BranchingStep is the single is_branching_step=true step, if any.
	BranchingStep *ResolvedStep
	// PostBranchWithinPre holds pre-set steps with order > branching.order:
	// they still have document_class_ref=null and post_branching=false, but
	// classification is known by the time they run.
	PostBranchWithinPre []ResolvedStep
	// ByClass maps a resolved document_type class key to its steps.
	ByClass map[string][]ResolvedStep
	// PostSteps run after the by-class portion (post_branching=true).
	PostSteps []ResolvedStep
}

// ClassSteps returns the steps for a resolved document_type, or nil if the
// class is unknown or no classification was obtained.
func (p *Plan) ClassSteps(documentType string) []ResolvedStep {
	if documentType == "" {
		return nil
	}
	return p.ByClass[documentType]
}

// Resolve partitions enabled steps into pre/branch/class(k)/post sets per
// the ordering and branching rules, keying ByClass by DocumentClassRef id
// as a decimal string. Most callers want ResolveByClassKey instead, which
// remaps that to the class's class_key.
func Resolve(steps []model.PipelineStep) (*Plan, error) {
	var branching []model.PipelineStep
	var pre []model.PipelineStep
	var post []model.PipelineStep
	byClass := map[string][]model.PipelineStep{}

	for _, s := range steps {
		if !s.Enabled {
			continue
		}
		if err := s.Validate(); err != nil {
			return nil, errs.Wrap(errs.CodeConfigError, "invalid pipeline step configuration", err)
		}
		switch {
		case s.IsBranchingStep:
			branching = append(branching, s)
		case s.DocumentClassRef != nil:
			key := strconv.FormatInt(*s.DocumentClassRef, 10)
			byClass[key] = append(byClass[key], s)
		case s.PostBranching:
			post = append(post, s)
		default:
			pre = append(pre, s)
		}
	}

	if len(branching) > 1 {
		return nil, errs.ConfigError("multiple branching steps configured; at most one is allowed")
	}

	sortSteps(pre)
	sortSteps(post)
	for k := range byClass {
		sortSteps(byClass[k])
	}

	plan := &Plan{
		ByClass: map[string][]ResolvedStep{},
	}
	for k, v := range byClass {
		plan.ByClass[k] = wrapKind(v, KindClass)
	}
	plan.PostSteps = wrapKind(post, KindPost)

	if len(branching) == 1 {
		rs := ResolvedStep{Step: branching[0], Kind: KindBranch}
		plan.BranchingStep = &rs

		var before, after []model.PipelineStep
		for _, s := range pre {
			if s.Order <= branching[0].Order {
				before = append(before, s)
			} else {
				after = append(after, s)
			}
		}
		plan.PreSteps = wrapKind(before, KindPre)
		plan.PostBranchWithinPre = wrapKind(after, KindPre)
	} else {
		plan.PreSteps = wrapKind(pre, KindPre)
	}

	return plan, nil
}

// ResolveByClassKey is like Resolve but keys ByClass by DocumentClass
// class_key strings instead of numeric ids, given an id->key lookup. Most
// callers want this form since the run context's document_type is a class
// key, not an id.
func ResolveByClassKey(steps []model.PipelineStep, classKeyByID map[int64]string) (*Plan, error) {
	plan, err := Resolve(steps)
	if err != nil {
		return nil, err
	}
	remapped := map[string][]ResolvedStep{}
	for idKey, rsteps := range plan.ByClass {
		id, err := strconv.ParseInt(idKey, 10, 64)
		if err != nil {
			continue
		}
		classKey, ok := classKeyByID[id]
		if !ok {
			continue
		}
		remapped[classKey] = rsteps
	}
	plan.ByClass = remapped
	return plan, nil
}

func sortSteps(steps []model.PipelineStep) {
	sort.SliceStable(steps, func(i, j int) bool {
		if steps[i].Order != steps[j].Order {
			return steps[i].Order < steps[j].Order
		}
		return steps[i].ID < steps[j].ID
	})
}

func wrapKind(steps []model.PipelineStep, kind StepKind) []ResolvedStep {
	out := make([]ResolvedStep, 0, len(steps))
	for _, s := range steps {
		out = append(out, ResolvedStep{Step: s, Kind: kind})
	}
	return out
}
