package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"

	coreerrors "github.com/davidahmann/postwatch/core/errors"
	"github.com/davidahmann/postwatch/core/fingerprint"
	"github.com/davidahmann/postwatch/core/stage"
)

// BuiltinFunc is an in-process stage selectable with kind: builtin.
type BuiltinFunc func(ctx context.Context, env stage.Env) error

const (
	BuiltinValidateOutputs = "validate-outputs"
	BuiltinRequirePrimary  = "require-primary"
)

func defaultBuiltins(rc RunContext) map[string]BuiltinFunc {
	return map[string]BuiltinFunc{
		BuiltinValidateOutputs: validateOutputs(rc),
		BuiltinRequirePrimary:  requirePrimary(rc),
	}
}

// validateOutputs parses every diff output that exists with the configured
// fingerprint fields so a malformed file fails before it becomes a baseline.
func validateOutputs(rc RunContext) BuiltinFunc {
	return func(ctx context.Context, _ stage.Env) error {
		checked := 0
		for _, output := range rc.Outputs {
			if !output.Diff {
				continue
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			path := rc.OutputPath(output)
			if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
				continue
			}
			if _, err := fingerprint.LoadRecords(path, rc.Fingerprint); err != nil {
				return fmt.Errorf("output %s: %w", output.Key(), err)
			}
			checked++
		}
		if checked == 0 {
			return &stage.SkipError{Reason: "no_diff_outputs"}
		}
		return nil
	}
}

// requirePrimary fails the run when a primary output is absent.
func requirePrimary(rc RunContext) BuiltinFunc {
	return func(_ context.Context, _ stage.Env) error {
		missing := []string{}
		for _, output := range rc.Outputs {
			if !output.Primary {
				continue
			}
			if _, err := os.Stat(rc.OutputPath(output)); err != nil {
				missing = append(missing, output.Key())
			}
		}
		if len(missing) == 0 {
			return nil
		}
		return coreerrors.Wrap(
			fmt.Errorf("%w: primary outputs %v", stage.ErrPrerequisiteMissing, missing),
			coreerrors.CategoryPrerequisiteMissing,
			"primary_output_missing",
			"run the compute stages for the listed outputs",
			false,
		)
	}
}
