// Package stage runs one pipeline step in-process or as an external process
// behind a single capability and reports a Result.
package stage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

var ErrPrerequisiteMissing = errors.New("stage prerequisite missing")

type Outcome string

const (
	OutcomeOK      Outcome = "ok"
	OutcomeSkipped Outcome = "skipped"
	OutcomeFailed  Outcome = "failed"
)

// Result is the only value a stage or the orchestrator hands back.
type Result struct {
	Outcome Outcome
	Reason  string
	Err     error
}

func Ok() Result { return Result{Outcome: OutcomeOK} }

func Skipped(reason string) Result { return Result{Outcome: OutcomeSkipped, Reason: reason} }

func Failed(err error) Result {
	if err == nil {
		err = errors.New("stage failed without an error")
	}
	return Result{Outcome: OutcomeFailed, Reason: err.Error(), Err: err}
}

func (r Result) Failed() bool { return r.Outcome == OutcomeFailed }

// Role places a stage in the short-circuit decision.
type Role string

const (
	RoleInput   Role = "input"
	RoleCompute Role = "compute"
	RoleAugment Role = "augment"
	RoleFinal   Role = "final"
)

func ParseRole(value string) (Role, error) {
	switch Role(strings.ToLower(strings.TrimSpace(value))) {
	case "", RoleCompute:
		return RoleCompute, nil
	case RoleInput:
		return RoleInput, nil
	case RoleAugment:
		return RoleAugment, nil
	case RoleFinal:
		return RoleFinal, nil
	default:
		return "", fmt.Errorf("unknown stage role %q", value)
	}
}

// Env is the read-only view of the run a stage receives.
type Env struct {
	RunID         string
	DataRoot      string
	StateRoot     string
	Collaborators []string
	Datasets      []string
	Augment       bool
	Offline       bool
	Logger        *zap.Logger
}

// Stage is one executable pipeline step.
type Stage interface {
	Name() string
	Run(ctx context.Context, env Env) Result
}

// Spec binds a Stage to its role and the inputs that must exist before it runs.
// Requires entries are data-root relative and may use {collaborator} and
// {dataset} placeholders.
type Spec struct {
	Stage    Stage
	Role     Role
	Requires []string
}

// SkipError lets an in-process stage report that it had nothing to do.
type SkipError struct {
	Reason string
}

func (e *SkipError) Error() string { return "skipped: " + e.Reason }

type funcStage struct {
	name string
	fn   func(context.Context, Env) error
}

// InProcess adapts a Go function. A nil error is Ok, a *SkipError is Skipped,
// anything else is Failed.
func InProcess(name string, fn func(context.Context, Env) error) Stage {
	return &funcStage{name: name, fn: fn}
}

func (s *funcStage) Name() string { return s.name }

func (s *funcStage) Run(ctx context.Context, env Env) Result {
	err := s.fn(ctx, env)
	if err == nil {
		return Ok()
	}
	var skip *SkipError
	if errors.As(err, &skip) {
		return Skipped(skip.Reason)
	}
	return Failed(err)
}

// ExpandRequires substitutes placeholders for every selected collaborator and
// dataset and returns the unique paths in first-seen order.
func ExpandRequires(requires []string, collaborators, datasets []string) []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, len(requires))
	add := func(value string) {
		if _, ok := seen[value]; ok {
			return
		}
		seen[value] = struct{}{}
		out = append(out, value)
	}
	for _, pattern := range requires {
		usesCollaborator := strings.Contains(pattern, "{collaborator}")
		usesDataset := strings.Contains(pattern, "{dataset}")
		switch {
		case usesCollaborator && usesDataset:
			for _, collaborator := range collaborators {
				for _, dataset := range datasets {
					add(strings.NewReplacer("{collaborator}", collaborator, "{dataset}", dataset).Replace(pattern))
				}
			}
		case usesCollaborator:
			for _, collaborator := range collaborators {
				add(strings.ReplaceAll(pattern, "{collaborator}", collaborator))
			}
		case usesDataset:
			for _, dataset := range datasets {
				add(strings.ReplaceAll(pattern, "{dataset}", dataset))
			}
		default:
			add(pattern)
		}
	}
	return out
}
