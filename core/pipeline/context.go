// Package pipeline runs one end-to-end postwatch run: it takes the run lock,
// executes stages in order, diffs outputs against their baselines, finalizes
// the manifest and settles the publish contract.
package pipeline

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	coreerrors "github.com/davidahmann/postwatch/core/errors"
	"github.com/davidahmann/postwatch/core/fingerprint"
	"github.com/davidahmann/postwatch/core/layout"
	"github.com/davidahmann/postwatch/core/objstore"
	"github.com/davidahmann/postwatch/core/projectconfig"
	"github.com/davidahmann/postwatch/core/stage"
)

// Scope is one (collaborator, dataset) selected for the run.
type Scope struct {
	Collaborator string
	Dataset      string
}

func (s Scope) Key() string { return layout.ScopeKey(s.Collaborator, s.Dataset) }

// Output is a declared output bound to a scope.
type Output struct {
	Scope
	projectconfig.Output
}

func (o Output) Key() string { return layout.LogicalKey(o.Collaborator, o.Dataset, o.Name) }

type PublishSettings struct {
	Requested bool
	Required  bool
	DryRun    bool
	Bucket    string
	Prefix    string
	ListLimit int
	// Store is nil when no target is configured.
	Store objstore.Store
}

// RunContext is built once per invocation and only read afterwards.
type RunContext struct {
	RunID           string
	StartedAt       time.Time
	ProducerVersion string
	Root            layout.Root
	Collaborators   []string
	Datasets        []string
	Scopes          []Scope
	Outputs         []Output
	Stages          []stage.Spec
	Inputs          []string
	Fingerprint     fingerprint.Fields
	LockTimeout     time.Duration
	Offline         bool
	SnapshotOnly    bool
	Augment         bool
	Publish         PublishSettings
	MetricsPath     string
	Logger          *zap.Logger
	Now             func() time.Time
}

// Options are the inputs NewRunContext freezes into a RunContext.
type Options struct {
	Config           projectconfig.Config
	Collaborators    []string
	Datasets         []string
	LockTimeout      *time.Duration
	Offline          bool
	SnapshotOnly     bool
	Augment          bool
	PublishRequested bool
	PublishRequired  bool
	PublishDryRun    bool
	Store            objstore.Store
	Builtins         map[string]BuiltinFunc
	ProducerVersion  string
	Logger           *zap.Logger
	Now              func() time.Time
}

// NewRunID renders <UTC yyyymmddThhmmssZ>-<8 hex>, which sorts chronologically.
func NewRunID(now time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return now.UTC().Format("20060102T150405Z") + "-" + suffix
}

func invalidInput(err error) error {
	return coreerrors.Wrap(err, coreerrors.CategoryInvalidInput, "invalid_run_options", "check --collaborator/--dataset and the project config", false)
}

func NewRunContext(opts Options) (RunContext, error) {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg := opts.Config
	dataRoot, err := filepath.Abs(cfg.DataRoot)
	if err != nil {
		return RunContext{}, invalidInput(fmt.Errorf("resolve data root: %w", err))
	}
	timeout, err := cfg.LockTimeoutDuration()
	if err != nil {
		return RunContext{}, invalidInput(err)
	}
	if opts.LockTimeout != nil {
		if *opts.LockTimeout < 0 {
			return RunContext{}, invalidInput(fmt.Errorf("lock timeout must not be negative"))
		}
		timeout = *opts.LockTimeout
	}

	if opts.Offline && opts.PublishRequired {
		return RunContext{}, invalidInput(fmt.Errorf("--offline cannot be combined with --publish-required"))
	}

	scopes, collaborators, datasets, err := selectScopes(cfg, opts.Collaborators, opts.Datasets)
	if err != nil {
		return RunContext{}, invalidInput(err)
	}
	outputs := []Output{}
	for _, scope := range scopes {
		collaborator, _ := cfg.Collaborator(scope.Collaborator)
		for _, output := range collaborator.Outputs {
			outputs = append(outputs, Output{Scope: scope, Output: output})
		}
	}

	startedAt := now().UTC()
	rc := RunContext{
		RunID:           NewRunID(startedAt),
		StartedAt:       startedAt,
		ProducerVersion: opts.ProducerVersion,
		Root:            layout.NewRoot(dataRoot, cfg.StateDir),
		Collaborators:   collaborators,
		Datasets:        datasets,
		Scopes:          scopes,
		Outputs:         outputs,
		Inputs:          stage.ExpandRequires(cfg.ShortCircuit.Inputs, collaborators, datasets),
		Fingerprint:     cfg.Fingerprint,
		LockTimeout:     timeout,
		Offline:         opts.Offline,
		SnapshotOnly:    opts.SnapshotOnly,
		Augment:         opts.Augment,
		MetricsPath:     metricsPath(cfg.Metrics.Textfile, layout.NewRoot(dataRoot, cfg.StateDir)),
		Logger:          logger,
		Now:             now,
		Publish: PublishSettings{
			Requested: opts.PublishRequested || opts.PublishRequired || opts.PublishDryRun,
			Required:  opts.PublishRequired || (cfg.Publish.Required && (opts.PublishRequested || opts.PublishDryRun)),
			DryRun:    opts.PublishDryRun,
			Bucket:    cfg.Publish.Bucket,
			Prefix:    cfg.Publish.Prefix,
			ListLimit: cfg.Publish.ListLimit,
			Store:     opts.Store,
		},
	}
	rc.Logger = logger.With(zap.String("run_id", rc.RunID))

	builtins := defaultBuiltins(rc)
	for name, fn := range opts.Builtins {
		builtins[name] = fn
	}
	for _, configured := range cfg.Stages {
		role, err := stage.ParseRole(configured.Role)
		if err != nil {
			return RunContext{}, invalidInput(err)
		}
		var impl stage.Stage
		switch configured.Kind {
		case projectconfig.StageKindBuiltin:
			fn, ok := builtins[configured.Name]
			if !ok {
				return RunContext{}, invalidInput(fmt.Errorf("unknown builtin stage %q", configured.Name))
			}
			impl = stage.InProcess(configured.Name, fn)
		default:
			impl = &stage.Exec{StageName: configured.Name, Argv: append([]string(nil), configured.Argv...), Dir: dataRoot}
		}
		rc.Stages = append(rc.Stages, stage.Spec{Stage: impl, Role: role, Requires: configured.Requires})
	}
	return rc, nil
}

// selectScopes intersects the requested collaborators and datasets with the
// configuration. Empty requests select everything configured.
func selectScopes(cfg projectconfig.Config, wantCollaborators, wantDatasets []string) ([]Scope, []string, []string, error) {
	selectedCollaborators := []projectconfig.Collaborator{}
	if len(wantCollaborators) == 0 {
		selectedCollaborators = append(selectedCollaborators, cfg.Collaborators...)
	} else {
		for _, name := range dedupe(wantCollaborators) {
			collaborator, ok := cfg.Collaborator(name)
			if !ok {
				return nil, nil, nil, fmt.Errorf("collaborator %q is not configured", name)
			}
			selectedCollaborators = append(selectedCollaborators, collaborator)
		}
	}
	wanted := map[string]bool{}
	for _, dataset := range dedupe(wantDatasets) {
		wanted[dataset] = false
	}

	scopes := []Scope{}
	collaborators := []string{}
	datasetSet := map[string]struct{}{}
	for _, collaborator := range selectedCollaborators {
		added := false
		for _, dataset := range collaborator.Datasets {
			if len(wanted) > 0 {
				if _, ok := wanted[dataset]; !ok {
					continue
				}
				wanted[dataset] = true
			}
			scopes = append(scopes, Scope{Collaborator: collaborator.Name, Dataset: dataset})
			datasetSet[dataset] = struct{}{}
			added = true
		}
		if added {
			collaborators = append(collaborators, collaborator.Name)
		}
	}
	for dataset, matched := range wanted {
		if !matched {
			return nil, nil, nil, fmt.Errorf("dataset %q is not configured for the selected collaborators", dataset)
		}
	}
	datasets := make([]string, 0, len(datasetSet))
	for dataset := range datasetSet {
		datasets = append(datasets, dataset)
	}
	sort.Strings(datasets)
	return scopes, collaborators, datasets, nil
}

func dedupe(values []string) []string {
	seen := map[string]struct{}{}
	out := []string{}
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			trimmed := strings.TrimSpace(part)
			if trimmed == "" {
				continue
			}
			if _, ok := seen[trimmed]; ok {
				continue
			}
			seen[trimmed] = struct{}{}
			out = append(out, trimmed)
		}
	}
	return out
}

// metricsPath resolves a relative textfile against the state root.
func metricsPath(textfile string, root layout.Root) string {
	if textfile == "" || filepath.IsAbs(textfile) {
		return textfile
	}
	return filepath.Join(root.State, filepath.FromSlash(textfile))
}

// Env is the view of the run a stage receives.
func (rc RunContext) Env() stage.Env {
	return stage.Env{
		RunID:         rc.RunID,
		DataRoot:      rc.Root.Data,
		StateRoot:     rc.Root.State,
		Collaborators: append([]string(nil), rc.Collaborators...),
		Datasets:      append([]string(nil), rc.Datasets...),
		Augment:       rc.Augment,
		Offline:       rc.Offline,
		Logger:        rc.Logger,
	}
}

// OutputPath is where the live output for o is written.
func (rc RunContext) OutputPath(o Output) string {
	return rc.Root.Output(o.Collaborator, o.Dataset, o.File)
}

// remoteStore is the store baseline resolution may read; nil when offline.
func (rc RunContext) remoteStore() objstore.Store {
	if rc.Offline {
		return nil
	}
	return rc.Publish.Store
}
