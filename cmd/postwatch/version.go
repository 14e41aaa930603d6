package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func (c *cli) versionCommand() *cobra.Command {
	return &cobra.Command{
		Use:         "version",
		Short:       "Print the CLI version",
		Args:        exactArgs(0),
		Annotations: map[string]string{"config": "none"},
		RunE: func(_ *cobra.Command, _ []string) error {
			if c.root.JSON {
				return writeJSON(c.stdout, map[string]any{"ok": true, "version": version})
			}
			_, err := fmt.Fprintln(c.stdout, "postwatch", version)
			return err
		},
	}
}
