package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/davidahmann/postwatch/core/diff"
	"github.com/davidahmann/postwatch/core/fingerprint"
	schemarunreport "github.com/davidahmann/postwatch/core/schema/v1/runreport"
)

type diffOutput struct {
	OK     bool                       `json:"ok"`
	Before string                     `json:"before"`
	After  string                     `json:"after"`
	Counts schemarunreport.DiffCounts `json:"counts"`
	Report diff.Report                `json:"report"`
}

func (c *cli) diffCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "diff <before> <after>",
		Short: "Diff two record files with the configured fingerprint fields",
		Long: `Compare two record files (a JSON array or JSONL of objects) by identity.
Added and changed records are ordered by score, removed records by identity.`,
		Args: exactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			return c.executeDiff(args[0], args[1])
		},
	}
}

func (c *cli) executeDiff(beforePath, afterPath string) error {
	fields := c.config.Fingerprint
	before, err := fingerprint.LoadRecords(beforePath, fields)
	if err != nil {
		return precondition(fmt.Errorf("load %s: %w", beforePath, err), "records_invalid", "pass JSON array or JSONL record files")
	}
	after, err := fingerprint.LoadRecords(afterPath, fields)
	if err != nil {
		return precondition(fmt.Errorf("load %s: %w", afterPath, err), "records_invalid", "pass JSON array or JSONL record files")
	}
	report := diff.Diff(before, after)
	if c.root.JSON {
		return writeJSON(c.stdout, diffOutput{OK: true, Before: beforePath, After: afterPath, Counts: report.Counts(), Report: report})
	}
	writeDiffText(c.stdout, report)
	return nil
}

func writeDiffText(writer io.Writer, report diff.Report) {
	counts := report.Counts()
	fmt.Fprintf(writer, "added=%d changed=%d removed=%d unchanged=%d\n", counts.Added, counts.Changed, counts.Removed, report.Unchanged)
	for _, record := range report.Added {
		fmt.Fprintf(writer, "+ %s\n", record.Identity)
	}
	for _, change := range report.Changed {
		fmt.Fprintf(writer, "~ %s (%s)\n", change.Record.Identity, strings.Join(change.Fields, ","))
	}
	for _, record := range report.Removed {
		fmt.Fprintf(writer, "- %s\n", record.Identity)
	}
}
