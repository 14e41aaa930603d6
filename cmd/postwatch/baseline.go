package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/davidahmann/postwatch/core/baseline"
	"github.com/davidahmann/postwatch/core/layout"
	"github.com/davidahmann/postwatch/core/objstore"
)

type baselineFlags struct {
	collaborator string
	dataset      string
	output       string
	excludeRun   string
	offline      bool
}

type baselineOutput struct {
	OK       bool              `json:"ok"`
	FirstRun bool              `json:"first_run"`
	Baseline baseline.Baseline `json:"baseline"`
}

func (c *cli) baselineCommand() *cobra.Command {
	flags := &baselineFlags{}
	cmd := &cobra.Command{
		Use:   "baseline",
		Short: "Show the baseline the next run would diff against",
		Long: `Resolve the baseline for one collaborator output through the local pointers,
the local run history, the remote pointers and finally a bounded remote
listing. Prints first_run when no tier resolves.`,
		Args: exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.executeBaseline(cmd, flags)
		},
	}
	cmd.Flags().StringVar(&flags.collaborator, "collaborator", "", "collaborator name")
	cmd.Flags().StringVar(&flags.dataset, "dataset", "", "dataset name")
	cmd.Flags().StringVar(&flags.output, "output", "", "output name (default the collaborator's diff output)")
	cmd.Flags().StringVar(&flags.excludeRun, "exclude-run", "", "ignore this run id and anything newer")
	cmd.Flags().BoolVar(&flags.offline, "offline", false, "resolve from local state only")
	return cmd
}

func (c *cli) executeBaseline(cmd *cobra.Command, flags *baselineFlags) error {
	if flags.collaborator == "" || flags.dataset == "" {
		return &usageError{cause: errors.New("--collaborator and --dataset are required")}
	}
	output, err := c.baselineOutputName(flags)
	if err != nil {
		return err
	}
	var store objstore.Store
	if !flags.offline {
		store, err = c.openStore("")
		if err != nil {
			return err
		}
	}
	resolver := &baseline.Resolver{
		Root:      c.layoutRoot(),
		Store:     store,
		Prefix:    c.config.Publish.Prefix,
		ListLimit: c.config.Publish.ListLimit,
		Logger:    c.logger,
	}
	found := resolver.Resolve(cmd.Context(), flags.collaborator, flags.dataset, output, flags.excludeRun)

	if c.root.JSON {
		return writeJSON(c.stdout, baselineOutput{OK: true, FirstRun: !found.Found(), Baseline: found})
	}
	if !found.Found() {
		fmt.Fprintf(c.stdout, "%s first_run\n", found.Key)
		return nil
	}
	fmt.Fprintf(c.stdout, "%s %s via %s\n%s\n", found.Key, found.RunID, found.Source, found.Path)
	return nil
}

func (c *cli) baselineOutputName(flags *baselineFlags) (string, error) {
	if flags.output != "" {
		if err := layout.ValidateSegment("output", flags.output); err != nil {
			return "", &usageError{cause: err}
		}
		return flags.output, nil
	}
	collaborator, ok := c.config.Collaborator(flags.collaborator)
	if !ok {
		return "", &usageError{cause: fmt.Errorf("collaborator %q is not configured; pass --output", flags.collaborator)}
	}
	for _, output := range collaborator.Outputs {
		if output.Diff {
			return output.Name, nil
		}
	}
	if len(collaborator.Outputs) > 0 {
		return collaborator.Outputs[0].Name, nil
	}
	return "", &usageError{cause: fmt.Errorf("collaborator %q declares no outputs", flags.collaborator)}
}
