package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	coreerrors "github.com/davidahmann/postwatch/core/errors"
	"github.com/davidahmann/postwatch/core/objstore"
	"github.com/davidahmann/postwatch/core/runreport"
)

type verifyPublishedFlags struct {
	bucket  string
	prefix  string
	runID   string
	offline bool
}

func (c *cli) verifyPublishedCommand() *cobra.Command {
	flags := &verifyPublishedFlags{}
	cmd := &cobra.Command{
		Use:   "verify-published",
		Short: "Prove that a published run still matches its run report",
		Long: `Fetch the published run report for --run-id and hash every mirrored artifact.
With --offline the local snapshot is compared against the local run report
and the remote store is never contacted.`,
		Args: exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.executeVerifyPublished(cmd, flags)
		},
	}
	cmd.Flags().StringVar(&flags.bucket, "bucket", "", "bucket to verify (default publish.bucket)")
	cmd.Flags().StringVar(&flags.prefix, "prefix", "", "key prefix (default publish.prefix)")
	cmd.Flags().StringVar(&flags.runID, "run-id", "", "run to verify")
	cmd.Flags().BoolVar(&flags.offline, "offline", false, "compare local bytes against the local run report")
	return cmd
}

func (c *cli) executeVerifyPublished(cmd *cobra.Command, flags *verifyPublishedFlags) error {
	if flags.runID == "" {
		return &usageError{cause: errors.New(`required flag "--run-id" not set`)}
	}
	prefix := c.config.Publish.Prefix
	if cmd.Flags().Changed("prefix") {
		prefix = flags.prefix
	}
	options := runreport.PublishedOptions{
		Prefix:  prefix,
		RunID:   flags.runID,
		Offline: flags.offline,
		Root:    c.layoutRoot(),
	}
	if !flags.offline {
		store, err := c.openStore(flags.bucket)
		if err != nil {
			return err
		}
		if store == nil {
			return coreerrors.Wrap(errors.New("no bucket configured"), coreerrors.CategoryInvalidInput, "missing_bucket", "pass --bucket, set publish.bucket or use --offline", false)
		}
		options.Store = store
	}

	result, err := runreport.VerifyPublished(cmd.Context(), options)
	if err != nil {
		if errors.Is(err, objstore.ErrNotFound) {
			return coreerrors.Wrap(fmt.Errorf("run %s is not published: %w", flags.runID, err), coreerrors.CategoryInvalidInput, "run_not_published", "check --run-id and --prefix", false)
		}
		if errors.Is(err, runreport.ErrSchema) {
			return classifyManifestError(err)
		}
		if flags.offline {
			return classifyManifestError(err)
		}
		return coreerrors.Wrap(err, coreerrors.CategoryNetworkTransient, "remote_unavailable", "check connectivity and credentials, or use --offline", true)
	}
	output := replayOutput{OK: result.OK(), Strict: true, VerifyResult: result}
	if c.root.JSON {
		if err := writeJSON(c.stdout, output); err != nil {
			return err
		}
	} else {
		writeVerifyText(c.stdout, result)
	}
	if !result.OK() {
		return &reported{cause: verificationError(result)}
	}
	return nil
}
