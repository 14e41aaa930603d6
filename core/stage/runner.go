package stage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"time"

	"go.uber.org/zap"

	coreerrors "github.com/davidahmann/postwatch/core/errors"
)

// Execution is what the runner observed for one stage.
type Execution struct {
	Name      string        `json:"name"`
	Role      Role          `json:"role"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Result    Result        `json:"-"`
}

// Runner executes stages one at a time and never lets a stage panic escape.
type Runner struct {
	Logger *zap.Logger
	Now    func() time.Time
}

func (r *Runner) Run(ctx context.Context, spec Spec, env Env) Execution {
	logger := r.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := r.Now
	if now == nil {
		now = time.Now
	}
	name := spec.Stage.Name()
	started := now().UTC()
	execution := Execution{Name: name, Role: spec.Role, StartedAt: started}
	logger = logger.With(zap.String("run_id", env.RunID), zap.String("stage", name))

	if missing := missingPrerequisites(spec, env); len(missing) > 0 {
		err := coreerrors.Wrap(
			fmt.Errorf("%w: %s requires %v", ErrPrerequisiteMissing, name, missing),
			coreerrors.CategoryPrerequisiteMissing,
			"stage_prerequisite_missing",
			"produce the missing inputs or run the upstream stage first",
			false,
		)
		execution.Result = Failed(err)
		execution.Duration = now().Sub(started)
		logger.Error("stage prerequisite missing", zap.Strings("missing", missing))
		return execution
	}

	logger.Info("stage started", zap.String("role", string(spec.Role)))
	execution.Result = r.invoke(ctx, spec.Stage, env)
	execution.Duration = now().Sub(started)
	if execution.Result.Failed() && coreerrors.CategoryOf(execution.Result.Err) == "" {
		execution.Result.Err = coreerrors.Wrap(execution.Result.Err, coreerrors.CategoryStageFailure, "stage_failed", "inspect the stage output in the run log", false)
	}

	fields := []zap.Field{
		zap.String("outcome", string(execution.Result.Outcome)),
		zap.Duration("duration", execution.Duration),
	}
	switch execution.Result.Outcome {
	case OutcomeFailed:
		logger.Error("stage failed", append(fields, zap.Error(execution.Result.Err))...)
	case OutcomeSkipped:
		logger.Info("stage skipped", append(fields, zap.String("reason", execution.Result.Reason))...)
	default:
		logger.Info("stage finished", fields...)
	}
	return execution
}

func (r *Runner) invoke(ctx context.Context, s Stage, env Env) (result Result) {
	defer func() {
		if recovered := recover(); recovered != nil {
			result = Failed(fmt.Errorf("stage %s panicked: %v\n%s", s.Name(), recovered, debug.Stack()))
		}
	}()
	if err := ctx.Err(); err != nil {
		return Failed(fmt.Errorf("stage %s not started: %w", s.Name(), err))
	}
	return s.Run(ctx, env)
}

func missingPrerequisites(spec Spec, env Env) []string {
	missing := []string{}
	for _, relative := range ExpandRequires(spec.Requires, env.Collaborators, env.Datasets) {
		target := relative
		if !filepath.IsAbs(target) {
			target = filepath.Join(env.DataRoot, filepath.FromSlash(relative))
		}
		if _, err := os.Stat(target); err != nil {
			missing = append(missing, relative)
		}
	}
	return missing
}
