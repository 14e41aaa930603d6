package main

import (
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/spf13/cobra"

	coreerrors "github.com/davidahmann/postwatch/core/errors"
	"github.com/davidahmann/postwatch/core/layout"
	"github.com/davidahmann/postwatch/core/objstore"
	"github.com/davidahmann/postwatch/core/pipeline"
	schemarunreport "github.com/davidahmann/postwatch/core/schema/v1/runreport"
)

type runFlags struct {
	collaborators   []string
	datasets        []string
	lockTimeout     time.Duration
	publish         bool
	publishRequired bool
	publishDryRun   bool
	offline         bool
	snapshotOnly    bool
	augment         bool
	metrics         bool
}

type runOutput struct {
	OK           bool                                    `json:"ok"`
	RunID        string                                  `json:"run_id,omitempty"`
	Status       string                                  `json:"status,omitempty"`
	Manifest     string                                  `json:"manifest,omitempty"`
	FailedStage  string                                  `json:"failed_stage,omitempty"`
	ShortCircuit *schemarunreport.ShortCircuit           `json:"short_circuit,omitempty"`
	DiffCounts   map[string]schemarunreport.DiffCounts   `json:"diff_counts,omitempty"`
	DeltaSummary map[string]schemarunreport.DeltaSummary `json:"delta_summary,omitempty"`
	Publish      *schemarunreport.Publish                `json:"publish,omitempty"`
	Error        string                                  `json:"error,omitempty"`
	ErrorCode    string                                  `json:"error_code,omitempty"`
	Category     string                                  `json:"error_category,omitempty"`
	Retryable    bool                                    `json:"retryable,omitempty"`
	Hint         string                                  `json:"hint,omitempty"`
}

func (c *cli) runCommand() *cobra.Command {
	flags := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute one run and write its run report",
		Long: `Acquire the run lock, execute the configured stages in order, diff every
diff output against its baseline and finalize runs/<run_id>/run_report.json.
A run report is written on every exit path.`,
		Args: exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.executeRun(cmd, flags)
		},
	}
	cmd.Flags().StringSliceVar(&flags.collaborators, "collaborator", nil, "collaborators to run (default all)")
	cmd.Flags().StringSliceVar(&flags.datasets, "dataset", nil, "datasets to run (default all)")
	cmd.Flags().DurationVar(&flags.lockTimeout, "lock-timeout", 0, "wait this long for the run lock (default from config, 0 fails immediately)")
	cmd.Flags().BoolVar(&flags.publish, "publish", false, "mirror the run to the configured bucket")
	cmd.Flags().BoolVar(&flags.publishRequired, "publish-required", false, "fail the run unless publishing succeeds")
	cmd.Flags().BoolVar(&flags.publishDryRun, "publish-dry-run", false, "record what would be published without writing")
	cmd.Flags().BoolVar(&flags.offline, "offline", false, "never contact the remote store")
	cmd.Flags().BoolVar(&flags.snapshotOnly, "snapshot-only", false, "run no stages; snapshot existing outputs")
	cmd.Flags().BoolVar(&flags.augment, "augment", false, "enable augmentation stages and augment-aware short circuit")
	cmd.Flags().BoolVar(&flags.metrics, "metrics", false, "write the metrics textfile even when none is configured")
	return cmd
}

func (c *cli) executeRun(cmd *cobra.Command, flags *runFlags) error {
	configuration := c.config
	if flags.metrics && configuration.Metrics.Textfile == "" {
		configuration.Metrics.Textfile = layout.MetricsName
	}
	var store objstore.Store
	if !flags.offline {
		opened, err := c.openStore("")
		if err != nil {
			return err
		}
		store = opened
	}

	options := pipeline.Options{
		Config:           configuration,
		Collaborators:    flags.collaborators,
		Datasets:         flags.datasets,
		Offline:          flags.offline,
		SnapshotOnly:     flags.snapshotOnly,
		Augment:          flags.augment,
		PublishRequested: flags.publish,
		PublishRequired:  flags.publishRequired,
		PublishDryRun:    flags.publishDryRun,
		Store:            store,
		ProducerVersion:  version,
		Logger:           c.logger,
	}
	if cmd.Flags().Changed("lock-timeout") {
		timeout := flags.lockTimeout
		options.LockTimeout = &timeout
	}
	rc, err := pipeline.NewRunContext(options)
	if err != nil {
		return err
	}

	report, runErr := pipeline.Run(cmd.Context(), rc)
	output := runOutputFor(report, runErr)
	if c.root.JSON {
		if err := writeJSON(c.stdout, output); err != nil {
			return err
		}
	} else {
		writeRunText(c.stdout, output)
	}
	if runErr != nil {
		return &reported{cause: runErr}
	}
	return nil
}

func runOutputFor(report pipeline.Report, runErr error) runOutput {
	manifest := report.Manifest
	output := runOutput{
		OK:           runErr == nil,
		RunID:        manifest.RunID,
		Status:       manifest.Status,
		Manifest:     report.ManifestPath,
		FailedStage:  manifest.FailedStage,
		ShortCircuit: manifest.ShortCircuit,
		DiffCounts:   manifest.DiffCounts,
		DeltaSummary: manifest.DeltaSummary,
		Publish:      &manifest.Publish,
	}
	if runErr != nil {
		envelope := envelopeFor(runErr)
		output.Error = envelope.Error
		output.ErrorCode = envelope.ErrorCode
		output.Category = envelope.ErrorCategory
		output.Retryable = envelope.Retryable
		output.Hint = envelope.Hint
	}
	return output
}

func writeRunText(writer io.Writer, output runOutput) {
	fmt.Fprintf(writer, "run %s %s\n", output.RunID, output.Status)
	if output.Manifest != "" {
		fmt.Fprintf(writer, "manifest: %s\n", output.Manifest)
	}
	if output.ShortCircuit != nil && output.ShortCircuit.Skipped {
		fmt.Fprintf(writer, "short circuit: %s (%s)\n", output.ShortCircuit.Reason, output.ShortCircuit.Mode)
	}
	scopes := make([]string, 0, len(output.DiffCounts))
	for scope := range output.DiffCounts {
		scopes = append(scopes, scope)
	}
	sort.Strings(scopes)
	for _, scope := range scopes {
		counts := output.DiffCounts[scope]
		summary := output.DeltaSummary[scope]
		baseline := summary.BaselineSource
		if summary.BaselineRunID != "" {
			baseline = summary.BaselineRunID + " via " + summary.BaselineSource
		}
		fmt.Fprintf(writer, "%s added=%d changed=%d removed=%d ranked=%d baseline=%s\n",
			scope, counts.Added, counts.Changed, counts.Removed, summary.RankedTotal, baseline)
	}
	if output.Publish != nil && output.Publish.Requested {
		switch {
		case output.Publish.Enabled:
			fmt.Fprintf(writer, "publish: %s/%s global=%s\n", output.Publish.Bucket, output.Publish.Prefix, output.Publish.PointerWrite[schemarunreport.PointerWriteGlobal])
		default:
			fmt.Fprintf(writer, "publish: skipped (%s)\n", output.Publish.SkipReason)
		}
	}
	if output.Error != "" {
		fmt.Fprintf(writer, "error: %s: %s\n", output.FailedStage, output.Error)
		if output.Hint != "" {
			fmt.Fprintf(writer, "hint: %s\n", output.Hint)
		}
	}
}

// precondition marks an error as exit code 2 unless it already has a category.
func precondition(err error, code, hint string) error {
	if coreerrors.CategoryOf(err) != "" {
		return err
	}
	return coreerrors.Wrap(err, coreerrors.CategoryInvalidInput, code, hint, false)
}
