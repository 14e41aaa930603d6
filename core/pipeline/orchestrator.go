package pipeline

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"

	"go.uber.org/zap"

	"github.com/davidahmann/postwatch/core/baseline"
	"github.com/davidahmann/postwatch/core/diff"
	coreerrors "github.com/davidahmann/postwatch/core/errors"
	"github.com/davidahmann/postwatch/core/fingerprint"
	"github.com/davidahmann/postwatch/core/metrics"
	"github.com/davidahmann/postwatch/core/pointer"
	"github.com/davidahmann/postwatch/core/publish"
	"github.com/davidahmann/postwatch/core/runlock"
	"github.com/davidahmann/postwatch/core/runreport"
	schemarunreport "github.com/davidahmann/postwatch/core/schema/v1/runreport"
	"github.com/davidahmann/postwatch/core/shortcircuit"
	"github.com/davidahmann/postwatch/core/stage"
)

const (
	failedStageLock     = "lock"
	failedStageInputs   = "inputs"
	failedStageSnapshot = "snapshot"
	failedStageDiff     = "diff"
	failedStageFinalize = "finalize"
	failedStageInternal = "internal"

	skipReasonShortCircuit = "short_circuit"
	skipReasonSnapshotOnly = "snapshot_only"
	skipReasonOffline      = "offline"
)

// Report is what Run hands back to the caller.
type Report struct {
	Manifest     schemarunreport.Manifest
	ManifestPath string
	Baselines    map[string]baseline.Baseline
	Diffs        map[string]diff.Report
}

type orchestrator struct {
	rc       RunContext
	logger   *zap.Logger
	manifest schemarunreport.Manifest
	registry *runreport.Registry
	events   *eventLog
	lock     *runlock.Handle

	inputsHashed bool
	decision     *shortcircuit.Decision
	baselines    map[string]baseline.Baseline
	diffs        map[string]diff.Report
	publisher    *publish.Publisher
	published    bool
	manifestPath string
	err          error
}

// Run executes one run end to end. Every call leaves exactly one manifest at
// runs/<run_id>/run_report.json, and the returned error is nil exactly when
// that manifest's status is success or short_circuit.
func Run(ctx context.Context, rc RunContext) (Report, error) {
	o := newOrchestrator(rc)
	defer o.release()
	o.guard(func() { o.execute(ctx) })
	o.guard(func() { o.settle(ctx) })
	o.finalize()
	o.guard(func() { o.afterFinalize(ctx) })

	return Report{
		Manifest:     o.manifest,
		ManifestPath: o.manifestPath,
		Baselines:    o.baselines,
		Diffs:        o.diffs,
	}, o.result()
}

func newOrchestrator(rc RunContext) *orchestrator {
	manifest := runreport.NewManifest(rc.RunID, rc.StartedAt, rc.ProducerVersion)
	manifest.Collaborators = append(manifest.Collaborators, rc.Collaborators...)
	manifest.Datasets = append(manifest.Datasets, rc.Datasets...)
	manifest.Flags = schemarunreport.RunFlags{
		Offline:          rc.Offline,
		SnapshotOnly:     rc.SnapshotOnly,
		Augment:          rc.Augment,
		PublishRequested: rc.Publish.Requested,
		PublishRequired:  rc.Publish.Required,
		PublishDryRun:    rc.Publish.DryRun,
	}
	manifest.Publish.Requested = rc.Publish.Requested
	manifest.Publish.DryRun = rc.Publish.DryRun
	manifest.Publish.Bucket = rc.Publish.Bucket
	manifest.Publish.Prefix = rc.Publish.Prefix
	manifest.EventsPath = rc.Root.DataRelative(rc.Root.Events(rc.RunID))

	o := &orchestrator{
		rc:        rc,
		logger:    rc.Logger,
		manifest:  manifest,
		registry:  runreport.NewRegistry(rc.Root, rc.RunID),
		baselines: map[string]baseline.Baseline{},
		diffs:     map[string]diff.Report{},
		events: &eventLog{
			path:   rc.Root.Events(rc.RunID),
			runID:  rc.RunID,
			now:    rc.Now,
			logger: rc.Logger,
		},
	}
	if rc.Publish.Store != nil {
		o.publisher = &publish.Publisher{
			Store:  rc.Publish.Store,
			Prefix: rc.Publish.Prefix,
			DryRun: rc.Publish.DryRun,
			Root:   rc.Root,
			Logger: rc.Logger,
			Now:    rc.Now,
		}
	}
	return o
}

// guard converts a panic in fn into a failed run so the manifest is still
// written.
func (o *orchestrator) guard(fn func()) {
	defer func() {
		if recovered := recover(); recovered != nil {
			o.logger.Error("run panicked", zap.Any("panic", recovered), zap.ByteString("stack", debug.Stack()))
			o.fail(failedStageInternal, coreerrors.Wrap(
				fmt.Errorf("panic: %v", recovered),
				coreerrors.CategoryInternalFailure,
				"internal_panic",
				"report this failure with the run log",
				false,
			))
		}
	}()
	fn()
}

// fail marks the run as failed. The first failure wins.
func (o *orchestrator) fail(stageName string, err error) {
	if o.manifest.Status == schemarunreport.StatusError {
		return
	}
	o.setFailure(stageName, err)
}

func (o *orchestrator) setFailure(stageName string, err error) {
	if coreerrors.CategoryOf(err) == "" {
		err = coreerrors.Wrap(err, coreerrors.CategoryInternalFailure, "run_failed", "", false)
	}
	o.manifest.Status = schemarunreport.StatusError
	o.manifest.FailedStage = stageName
	o.manifest.Error = err.Error()
	o.manifest.ErrorCategory = string(coreerrors.CategoryOf(err))
	o.err = err
	o.logger.Error("run failed", zap.String("failed_stage", stageName), zap.Error(err))
}

func (o *orchestrator) failed() bool {
	return o.manifest.Status == schemarunreport.StatusError
}

func (o *orchestrator) execute(ctx context.Context) {
	o.events.append(Event{Type: EventRunStarted})
	o.logger.Info("run started",
		zap.Strings("collaborators", o.rc.Collaborators),
		zap.Strings("datasets", o.rc.Datasets),
		zap.Bool("offline", o.rc.Offline),
		zap.Bool("snapshot_only", o.rc.SnapshotOnly),
	)

	handle, err := runlock.Acquire(o.rc.Root.Lock(), o.rc.LockTimeout, runlock.Options{Now: o.rc.Now})
	if err != nil {
		if errors.Is(err, runlock.ErrLockBusy) {
			err = coreerrors.Wrap(err, coreerrors.CategoryLockBusy, "lock_busy", "wait for the active run to finish or raise --lock-timeout", true)
		} else {
			err = coreerrors.Wrap(err, coreerrors.CategoryIOFailure, "lock_failed", "check permissions on the state root", false)
		}
		o.fail(failedStageLock, err)
		return
	}
	o.lock = handle
	o.events.append(Event{Type: EventLockAcquired})

	if o.rc.SnapshotOnly {
		for _, spec := range o.rc.Stages {
			o.recordSkipped(spec.Stage.Name(), skipReasonSnapshotOnly)
		}
		o.hashInputs()
		if !o.failed() {
			o.manifest.Status = schemarunreport.StatusSuccess
		}
		return
	}

	runner := &stage.Runner{Logger: o.rc.Logger, Now: o.rc.Now}
	env := o.rc.Env()
	for _, spec := range o.rc.Stages {
		name := spec.Stage.Name()
		if spec.Role != stage.RoleInput && o.decision == nil {
			if !o.decide() {
				return
			}
		}
		if o.decision != nil && o.decision.Skips(name) {
			o.recordSkipped(name, skipReasonShortCircuit)
			continue
		}
		execution := runner.Run(ctx, spec, env)
		o.record(execution)
		if execution.Result.Failed() {
			o.fail(name, execution.Result.Err)
			return
		}
	}
	if !o.hashInputs() {
		return
	}
	o.manifest.Status = schemarunreport.StatusSuccess
	if o.decision != nil && o.decision.Skip {
		o.manifest.Status = schemarunreport.StatusShortCircuit
	}
}

// hashInputs digests the tracked inputs once. It runs after input stages so
// freshly fetched inputs are what gets compared.
func (o *orchestrator) hashInputs() bool {
	if o.inputsHashed {
		return true
	}
	o.inputsHashed = true
	previous, err := shortcircuit.LoadState(o.rc.Root.InputHashes())
	if err != nil {
		o.logger.Warn("input hash state unreadable, treating as first run", zap.Error(err))
		previous = shortcircuit.State{Inputs: map[string]string{}}
	}
	inputs, err := shortcircuit.HashInputs(o.rc.Inputs, o.rc.Root.Resolve, previous)
	if err != nil {
		o.fail(failedStageInputs, coreerrors.Wrap(err, coreerrors.CategoryIOFailure, "input_hash_failed", "check that tracked inputs are readable", false))
		return false
	}
	o.manifest.Inputs = inputs
	return true
}

func (o *orchestrator) decide() bool {
	if !o.hashInputs() {
		return false
	}
	request := shortcircuit.Request{
		Inputs:  o.manifest.Inputs,
		Augment: o.rc.Augment,
	}
	for _, spec := range o.rc.Stages {
		request.Stages = append(request.Stages, shortcircuit.StageRef{Name: spec.Stage.Name(), Role: spec.Role})
	}
	for _, output := range o.rc.Outputs {
		path := o.rc.OutputPath(output)
		if output.Primary {
			request.PrimaryOutputs = append(request.PrimaryOutputs, path)
		}
		if output.Augment {
			request.AugmentOutputs = append(request.AugmentOutputs, path)
		}
		if output.Final {
			request.FinalOutputs = append(request.FinalOutputs, path)
		}
	}
	decision := shortcircuit.Decide(request)
	o.decision = &decision
	o.manifest.ShortCircuit = decision.Record()
	o.events.append(Event{Type: EventShortCircuit, Outcome: fmt.Sprintf("skip=%t", decision.Skip), Reason: decision.Reason})
	o.logger.Info("short circuit decided",
		zap.String("mode", string(decision.Mode)),
		zap.Bool("skip", decision.Skip),
		zap.String("reason", decision.Reason),
		zap.Strings("skipped_stages", decision.SkippedStages),
		zap.Strings("forced_stages", decision.ForcedStages),
	)
	return true
}

func (o *orchestrator) record(execution stage.Execution) {
	seconds := execution.Duration.Seconds()
	outcome := schemarunreport.StageOutcome{
		Name:            execution.Name,
		Outcome:         string(execution.Result.Outcome),
		Reason:          execution.Result.Reason,
		DurationSeconds: seconds,
	}
	o.manifest.Stages = append(o.manifest.Stages, outcome)
	o.manifest.StageDurations[execution.Name] = seconds
	event := Event{
		Type:            EventStageFinished,
		Stage:           execution.Name,
		Outcome:         outcome.Outcome,
		Reason:          outcome.Reason,
		DurationSeconds: seconds,
	}
	if execution.Result.Err != nil {
		event.Error = execution.Result.Err.Error()
	}
	o.events.append(event)
}

func (o *orchestrator) recordSkipped(name, reason string) {
	o.record(stage.Execution{Name: name, Result: stage.Skipped(reason)})
	o.logger.Info("stage skipped", zap.String("stage", name), zap.String("reason", reason))
}

// settle snapshots outputs, diffs them against baselines, re-checks the
// snapshot and applies the publish contract. It runs on every path where this
// process holds the lock. No pointer moves before the re-check passes.
func (o *orchestrator) settle(ctx context.Context) {
	if o.lock == nil {
		return
	}
	o.snapshot()
	if !o.failed() {
		o.diffAll(ctx)
	}
	if !o.failed() {
		o.checkSnapshot()
	}
	o.applyPublish(ctx)
}

func (o *orchestrator) checkSnapshot() {
	if err := o.registry.Check(&o.manifest); err != nil {
		o.fail(failedStageFinalize, coreerrors.Wrap(err, coreerrors.CategoryIOFailure, "snapshot_changed", "nothing may write under runs/<run_id> while a run holds the lock", false))
	}
}

func (o *orchestrator) snapshot() {
	outputs := make([]runreport.Output, 0, len(o.rc.Outputs))
	for _, output := range o.rc.Outputs {
		outputs = append(outputs, runreport.Output{
			Collaborator: output.Collaborator,
			Dataset:      output.Dataset,
			Name:         output.Name,
			Source:       o.rc.OutputPath(output),
		})
	}
	recorded, err := o.registry.Snapshot(&o.manifest, outputs)
	if err != nil {
		o.fail(failedStageSnapshot, coreerrors.Wrap(err, coreerrors.CategoryIOFailure, "snapshot_failed", "check free space and permissions under the state root", false))
	}
	o.events.append(Event{Type: EventSnapshot, Outcome: fmt.Sprintf("%d", len(recorded))})
	o.logger.Info("outputs snapshotted", zap.Int("artifacts", len(recorded)))
}

func (o *orchestrator) diffAll(ctx context.Context) {
	resolver := &baseline.Resolver{
		Root:      o.rc.Root,
		Store:     o.rc.remoteStore(),
		Prefix:    o.rc.Publish.Prefix,
		ListLimit: o.rc.Publish.ListLimit,
		Logger:    o.rc.Logger,
	}
	for _, output := range o.rc.Outputs {
		if !output.Diff {
			continue
		}
		artifact, ok := o.manifest.VerifiableArtifacts[output.Key()]
		if !ok {
			o.logger.Info("diff output not produced", zap.String("key", output.Key()))
			continue
		}
		current, err := fingerprint.LoadRecords(o.rc.Root.Resolve(artifact.Path), o.rc.Fingerprint)
		if err != nil {
			o.fail(failedStageDiff, coreerrors.Wrap(
				fmt.Errorf("parse %s: %w", output.Key(), err),
				coreerrors.CategoryStageFailure,
				"output_malformed",
				"fix the stage that writes this output",
				false,
			))
			return
		}

		found := resolver.Resolve(ctx, output.Collaborator, output.Dataset, output.Name, o.rc.RunID)
		var previous []fingerprint.Record
		if found.Found() {
			previous, err = fingerprint.LoadRecords(found.Path, o.rc.Fingerprint)
			if err != nil {
				o.logger.Warn("baseline unreadable, treating as first run", zap.String("key", output.Key()), zap.String("baseline_run_id", found.RunID), zap.Error(err))
				found = baseline.Baseline{Source: baseline.SourceNone, Key: output.Key()}
				previous = nil
			}
		}
		scope := output.Scope.Key()
		report := diff.Diff(previous, current)
		o.baselines[output.Key()] = found
		o.diffs[scope] = report
		o.manifest.DiffCounts[scope] = report.Counts()
		o.manifest.DeltaSummary[scope] = diff.Summarize(report, len(current), found.RunID, string(found.Source))
		o.events.append(Event{Type: EventBaseline, Scope: scope, Outcome: string(found.Source), Reason: found.RunID})
		o.logger.Info("output diffed",
			zap.String("scope", scope),
			zap.String("baseline_source", string(found.Source)),
			zap.String("baseline_run_id", found.RunID),
			zap.Int("added", len(report.Added)),
			zap.Int("changed", len(report.Changed)),
			zap.Int("removed", len(report.Removed)),
		)
	}
}

func (o *orchestrator) applyPublish(ctx context.Context) {
	settings := o.rc.Publish
	decision := publish.Evaluate(settings.Requested, settings.Required, settings.Store != nil, o.manifest.Status)
	if o.rc.Offline && decision.Requested && decision.SkipReason != publish.SkipMissingBucketRequired {
		decision.Enabled = false
		decision.SkipReason = skipReasonOffline
	}
	o.manifest.Publish.Enabled = decision.Enabled
	o.manifest.Publish.Required = decision.Required
	o.manifest.Publish.SkipReason = decision.SkipReason
	if decision.SkipReason == publish.SkipNotRequested {
		o.manifest.Publish.SkipReason = ""
	}

	if decision.SkipReason == publish.SkipMissingBucketOptional {
		err := coreerrors.Wrap(errors.New("no bucket configured"), coreerrors.CategoryPublishSoft, decision.SkipReason, "set publish.bucket or POSTWATCH_BUCKET", false)
		o.logger.Warn("publish skipped", zap.String("skip_reason", decision.SkipReason), zap.String("category", string(coreerrors.CategoryOf(err))), zap.Error(err))
	}
	if decision.Enabled {
		if err := o.publisher.Mirror(ctx, &o.manifest); err != nil {
			o.logger.Warn("publish incomplete", zap.Bool("required", decision.Required), zap.String("category", string(coreerrors.CategoryOf(err))), zap.Error(err))
		}
		o.published = !o.rc.Publish.DryRun
	}
	if err := publish.Settle(&o.manifest, decision); err != nil {
		o.logger.Error("run failed", zap.String("failed_stage", o.manifest.FailedStage), zap.Error(err))
		o.err = err
	}
	o.events.append(Event{Type: EventPublish, Outcome: fmt.Sprintf("enabled=%t", decision.Enabled), Reason: o.manifest.Publish.SkipReason, Error: o.manifest.Publish.Error})
}

// advanceLocal moves the local pointers to this run once its success
// manifest is on disk. Pointer writes are atomic renames; a failure leaves the
// previous pointer in place and is reported without failing the run.
func (o *orchestrator) advanceLocal() {
	completed := o.rc.Now().UTC()
	written := 0
	for _, scope := range o.rc.Scopes {
		value := pointer.ForScope(o.rc.RunID, completed, o.manifest.VerifiableArtifacts, scope.Collaborator, scope.Dataset)
		if len(value.Artifacts) == 0 {
			continue
		}
		if err := pointer.WriteLocal(o.rc.Root.ScopedPointer(scope.Collaborator, scope.Dataset), value); err != nil {
			o.logger.Warn("local pointer write failed", zap.String("scope", scope.Key()), zap.Error(err))
			return
		}
		written++
	}
	if written > 0 {
		global := pointer.Global(o.rc.RunID, completed, o.manifest.VerifiableArtifacts)
		if err := pointer.WriteLocal(o.rc.Root.GlobalPointer(), global); err != nil {
			o.logger.Warn("local global pointer write failed", zap.Error(err))
			return
		}
	}
	if err := shortcircuit.SaveState(o.rc.Root.InputHashes(), o.rc.RunID, completed, o.manifest.Inputs); err != nil {
		o.logger.Warn("input hash state not saved", zap.Error(err))
	}
	o.events.append(Event{Type: EventPointers, Outcome: fmt.Sprintf("%d", written)})
}

// finalize writes the manifest. When the first attempt fails the run is
// recorded as an error without artifacts so a manifest still exists.
func (o *orchestrator) finalize() {
	if o.manifest.Status == schemarunreport.StatusStarted {
		o.fail(failedStageInternal, coreerrors.Wrap(errors.New("run ended without an outcome"), coreerrors.CategoryInternalFailure, "run_incomplete", "", false))
	}
	o.manifest.EndedAt = o.rc.Now().UTC()
	path, err := o.registry.Finalize(&o.manifest)
	if err == nil {
		o.manifestPath = path
		return
	}
	o.logger.Error("manifest finalize failed", zap.Error(err))
	o.events.append(Event{Type: EventFinalizeFailed, Error: err.Error()})
	o.setFailure(failedStageFinalize, coreerrors.Wrap(err, coreerrors.CategoryIOFailure, "finalize_failed", "check the state root and rerun", false))
	o.manifest.VerifiableArtifacts = map[string]schemarunreport.Artifact{}
	o.manifest.OutputsByCollaborator = map[string]map[string][]string{}
	path, err = o.registry.Finalize(&o.manifest)
	if err != nil {
		o.logger.Error("fallback manifest write failed", zap.Error(err))
		o.err = coreerrors.Wrap(err, coreerrors.CategoryIOFailure, "manifest_write_failed", "check the state root is writable", false)
		return
	}
	o.manifestPath = path
}

func (o *orchestrator) afterFinalize(ctx context.Context) {
	if o.manifest.Status == schemarunreport.StatusSuccess && o.manifestPath != "" {
		o.advanceLocal()
	}
	if o.published && o.manifestPath != "" {
		if err := o.publisher.UploadManifest(ctx, o.rc.RunID, o.manifestPath); err != nil {
			o.logger.Warn("manifest upload failed", zap.Error(err))
		}
	}
	if o.lock != nil && o.rc.MetricsPath != "" {
		if err := metrics.WriteRun(o.rc.MetricsPath, o.manifest); err != nil {
			o.logger.Warn("metrics textfile not written", zap.String("path", o.rc.MetricsPath), zap.Error(err))
		}
	}
	o.events.append(Event{Type: EventRunFinished, Outcome: o.manifest.Status, Stage: o.manifest.FailedStage, Error: o.manifest.Error})
	o.logger.Info("run finished",
		zap.String("status", o.manifest.Status),
		zap.String("failed_stage", o.manifest.FailedStage),
		zap.String("manifest", o.manifestPath),
		zap.Duration("duration", o.manifest.EndedAt.Sub(o.manifest.StartedAt)),
	)
}

func (o *orchestrator) release() {
	if o.lock == nil {
		return
	}
	defer func() { o.lock = nil }()
	if err := o.lock.Release(); err != nil {
		o.logger.Warn("run lock release failed", zap.Error(err))
	}
}

// result keeps the returned error consistent with the manifest status.
func (o *orchestrator) result() error {
	if o.err != nil {
		return o.err
	}
	if o.failed() {
		return coreerrors.Wrap(errors.New(o.manifest.Error), coreerrors.Category(o.manifest.ErrorCategory), "run_failed", "", false)
	}
	return nil
}
