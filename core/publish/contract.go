// Package publish decides whether a run mirrors its artifacts to the remote
// store, performs the mirroring, and settles the run status when a required
// publish did not fully land.
package publish

import (
	"fmt"
	"sort"

	coreerrors "github.com/davidahmann/postwatch/core/errors"
	schemarunreport "github.com/davidahmann/postwatch/core/schema/v1/runreport"
)

const (
	SkipNotRequested          = "not_requested"
	SkipMissingBucketRequired = "missing_bucket_required"
	SkipMissingBucketOptional = "missing_bucket_optional"
	SkipRunNotSuccessful      = "run_not_successful"
)

// Decision is the outcome of evaluating the contract. Evaluate never fails;
// HardFailure tells the caller to fail the run.
type Decision struct {
	Requested  bool
	Enabled    bool
	Required   bool
	SkipReason string
}

func (d Decision) HardFailure() bool { return d.SkipReason == SkipMissingBucketRequired }

// Evaluate applies the publish contract.
func Evaluate(requested, required, targetConfigured bool, runStatus string) Decision {
	decision := Decision{Requested: requested, Required: requested && required}
	switch {
	case !requested:
		decision.SkipReason = SkipNotRequested
	case !targetConfigured && required:
		decision.SkipReason = SkipMissingBucketRequired
	case !targetConfigured:
		decision.SkipReason = SkipMissingBucketOptional
	case runStatus != schemarunreport.StatusSuccess:
		decision.SkipReason = SkipRunNotSuccessful
	default:
		decision.Enabled = true
	}
	return decision
}

// Settle revises a successful or short-circuited manifest to error when a
// required publish was not satisfied, and returns the classified error that
// becomes the exit status. It is the only place a completed run's outcome
// changes after the stages finished, and it must run before the manifest is
// written. A dry run satisfies a required publish with dry_run results.
func Settle(manifest *schemarunreport.Manifest, decision Decision) error {
	if manifest.Status != schemarunreport.StatusSuccess && manifest.Status != schemarunreport.StatusShortCircuit {
		return nil
	}
	var cause error
	switch {
	case decision.HardFailure():
		cause = fmt.Errorf("publish required but no bucket is configured")
	case decision.Enabled && decision.Required:
		if failed := failedPointers(manifest.Publish.PointerWrite, manifest.Publish.DryRun); len(failed) > 0 {
			cause = fmt.Errorf("publish required but pointer writes did not succeed: %v", failed)
		}
	}
	if cause == nil {
		return nil
	}
	err := coreerrors.Wrap(cause, coreerrors.CategoryPublishHard, "publish_required_failed", "configure the bucket or rerun once the remote store is reachable", true)
	manifest.Status = schemarunreport.StatusError
	manifest.FailedStage = "publish"
	manifest.Error = cause.Error()
	manifest.ErrorCategory = string(coreerrors.CategoryPublishHard)
	return err
}

func failedPointers(results map[string]string, dryRun bool) []string {
	failed := []string{}
	for scope, result := range results {
		if result == schemarunreport.PointerWriteOK || (dryRun && result == schemarunreport.PointerWriteDryRun) {
			continue
		}
		failed = append(failed, scope+"="+result)
	}
	if len(results) == 0 {
		failed = append(failed, "no pointer writes")
	}
	sort.Strings(failed)
	return failed
}
