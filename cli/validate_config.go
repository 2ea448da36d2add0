package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"github.com/petal-labs/eventq/config"
	"github.com/petal-labs/eventq/scm"
)

// NewValidateConfigCmd creates the "validate-config" subcommand.
func NewValidateConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate-config <file>",
		Short: "Validate an eventq.yaml file without running anything",
		Args:  cobra.ExactArgs(1),
		RunE:  runValidateConfig,
	}

	cmd.Flags().String("format", "text", "Output format: text | json")

	return cmd
}

type validateResult struct {
	Path   string   `json:"path"`
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors,omitempty"`
}

func runValidateConfig(cmd *cobra.Command, args []string) error {
	filePath := args[0]
	format, _ := cmd.Flags().GetString("format")
	out := cmd.OutOrStdout()

	if _, err := os.Stat(filePath); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return exitError(exitFileNotFound, "file not found: %s", filePath)
		}
		return fmt.Errorf("reading file: %w", err)
	}

	result := validateResult{Path: filePath}
	cfg, err := config.Load(filePath)
	if err == nil {
		err = cfg.Validate()
		if _, lerr := cfg.ScheduleJobs(scm.Lookup); lerr != nil {
			err = multierr.Append(err, lerr)
		}
	}
	for _, e := range multierr.Errors(err) {
		result.Errors = append(result.Errors, e.Error())
	}
	result.Valid = len(result.Errors) == 0

	printValidateResult(out, result, format)
	if !result.Valid {
		return exitError(exitValidation, "validation failed")
	}
	return nil
}

func printValidateResult(w io.Writer, r validateResult, format string) {
	if format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(r)
		return
	}
	if r.Valid {
		fmt.Fprintf(w, "Valid: %s\n", r.Path)
		return
	}
	fmt.Fprintf(w, "Invalid: %s\n", r.Path)
	for _, e := range r.Errors {
		fmt.Fprintf(w, "  - %s\n", e)
	}
}
