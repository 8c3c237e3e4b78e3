package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

// validateCmd checks a settings file without polling anything.
var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a settings file",
	Long: `Validate a pagewatch settings file without fetching the page or
sending mail.

Exit codes:
  0 - Settings are valid
  1 - Settings are invalid (error details printed to stderr)

Example:
  pagewatch validate -c settings.yaml`,
	RunE: runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	s, err := loadSettings(cmd)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Settings are valid!\n")
	fmt.Fprintf(out, "  URL:           %s\n", s.URL)
	fmt.Fprintf(out, "  Anchor:        %s\n", s.Anchor)
	fmt.Fprintf(out, "  Check period:  %s\n", s.CheckPeriod.Duration())
	fmt.Fprintf(out, "  Recipients:    %s\n", strings.Join(s.EmailRecipients, ", "))
	fmt.Fprintf(out, "  SMTP relay:    %s:%d\n", s.SMTPHost, s.SMTPPort)
	fmt.Fprintf(out, "  State file:    %s\n", s.StateFile)

	return nil
}
