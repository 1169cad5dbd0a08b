package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"copyflow/internal/rules"
	"copyflow/internal/validator"
)

func newValidateCmd() *cobra.Command {
	var contentType string
	cmd := &cobra.Command{
		Use:   "validate -t <content-type> <file|->",
		Short: "Run the deterministic validator on a piece of copy",
		Long: `Check copy against the content type's rules: forbidden terms, anti-patterns,
length and structure. Markdown is reduced to plain text first. Prints the
report as JSON and exits non-zero when a critical rule is violated.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				raw []byte
				err error
			)
			if args[0] == "-" {
				raw, err = io.ReadAll(cmd.InOrStdin())
			} else {
				raw, err = os.ReadFile(args[0])
			}
			if err != nil {
				return err
			}
			rep := validator.New(rules.Default()).Validate(string(raw), contentType)
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(rep); err != nil {
				return err
			}
			if !rep.IsValid {
				return fmt.Errorf("copy violates %d critical rule(s), score %d", rep.CriticalCount(), rep.Score)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&contentType, "type", "t", "", "content type, e.g. email or landing_page")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}
