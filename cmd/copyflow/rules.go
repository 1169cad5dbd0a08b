package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"copyflow/internal/rules"
)

func newRulesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rules [content-type]",
		Short: "List content types or print one rule set as YAML",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reg := rules.Default()
			out := cmd.OutOrStdout()
			if len(args) == 0 {
				for _, ct := range reg.ContentTypes() {
					marker := ""
					if ct == reg.DefaultContentType() {
						marker = " (default)"
					}
					fmt.Fprintf(out, "%s%s\n", ct, marker)
				}
				return nil
			}
			rs := reg.Lookup(args[0])
			if rs.Fallback {
				fmt.Fprintf(cmd.ErrOrStderr(), "%q is not registered; showing the %s rules\n", args[0], rs.ContentType)
			}
			enc := yaml.NewEncoder(out)
			enc.SetIndent(2)
			if err := enc.Encode(rs); err != nil {
				return err
			}
			return enc.Close()
		},
	}
}
