package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	coreerrors "github.com/davidahmann/postwatch/core/errors"
	"github.com/davidahmann/postwatch/core/runreport"
)

type replayOutput struct {
	OK     bool `json:"ok"`
	Strict bool `json:"strict"`
	runreport.VerifyResult
}

func (c *cli) replayCommand() *cobra.Command {
	var strict bool
	cmd := &cobra.Command{
		Use:   "replay <manifest|run-dir|run-id>",
		Short: "Re-hash every verifiable artifact of a past run",
		Long: `Load a run report and recompute the sha256 of every verifiable artifact,
reporting missing files separately from hash mismatches. Relative artifact
paths resolve against --data-root, or the data root inferred from the
manifest location.

Without --strict the report is informational and the exit code is 0.`,
		Args: exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.executeReplay(cmd, args[0], strict)
		},
	}
	cmd.Flags().BoolVar(&strict, "strict", false, "exit 2 on any missing or mismatched artifact")
	return cmd
}

func (c *cli) executeReplay(cmd *cobra.Command, target string, strict bool) error {
	options := runreport.VerifyOptions{}
	if cmd.Flags().Changed("data-root") {
		options.DataRoot = absOrSelf(c.root.DataRoot)
	}
	result, err := runreport.Verify(resolveRunTarget(c.layoutRoot(), target), options)
	if err != nil {
		return classifyManifestError(err)
	}
	output := replayOutput{OK: result.OK(), Strict: strict, VerifyResult: result}
	if c.root.JSON {
		if err := writeJSON(c.stdout, output); err != nil {
			return err
		}
	} else {
		writeVerifyText(c.stdout, result)
	}
	if result.ExitCode(strict) != runreport.ExitOK {
		return &reported{cause: verificationError(result)}
	}
	return nil
}

func writeVerifyText(writer io.Writer, result runreport.VerifyResult) {
	verdict := "verified"
	if !result.OK() {
		verdict = "FAILED"
	}
	fmt.Fprintf(writer, "run %s %s (%s, %d files)\n", result.RunID, verdict, result.Source, result.FilesChecked)
	for _, artifact := range result.Artifacts {
		fmt.Fprintf(writer, "  %-8s %s %s\n", artifact.Status, artifact.Key, artifact.Path)
	}
	for _, key := range result.Mismatched {
		if key == runreport.ManifestKey {
			fmt.Fprintln(writer, "  manifest digest does not match its contents")
		}
	}
}

func verificationError(result runreport.VerifyResult) error {
	return coreerrors.Wrap(
		fmt.Errorf("run %s: %d missing, %d mismatched", result.RunID, len(result.Missing), len(result.Mismatched)),
		coreerrors.CategoryVerification,
		"verification_failed",
		"inspect the listed artifacts; replay never repairs them",
		false,
	)
}

// classifyManifestError keeps a missing or invalid manifest at exit code 2.
func classifyManifestError(err error) error {
	switch {
	case errors.Is(err, os.ErrNotExist):
		return coreerrors.Wrap(err, coreerrors.CategoryInvalidInput, "manifest_not_found", "pass a run report path, a run directory or a run id", false)
	case errors.Is(err, runreport.ErrSchema):
		return coreerrors.Wrap(err, coreerrors.CategoryVerification, "manifest_invalid", "the run report failed schema validation and cannot be trusted", false)
	default:
		return precondition(err, "manifest_unreadable", "check the run report path")
	}
}
