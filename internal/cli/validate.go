package cli

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/keel/internal/compiler"
)

// WorldReport holds the findings for one world.
type WorldReport struct {
	World    string                     `json:"world"`
	Errors   []compiler.ValidationError `json:"errors"`
	Warnings []compiler.Warning         `json:"warnings"`
}

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid  bool          `json:"valid"`
	Worlds []WorldReport `json:"worlds"`

	// LoadError is set when the CUE input could not be compiled at all.
	LoadError *compiler.ValidationError `json:"load_error,omitempty"`
}

func (r ValidationResult) renderText(w io.Writer) {
	if r.LoadError != nil {
		fmt.Fprintln(w, "✗ Validation failed")
		fmt.Fprintf(w, "  %s: %s\n", r.LoadError.Code, r.LoadError.Message)
		return
	}
	for _, world := range r.Worlds {
		mark := "✓"
		if len(world.Errors) > 0 {
			mark = "✗"
		}
		fmt.Fprintf(w, "%s %s\n", mark, world.World)
		for _, e := range world.Errors {
			fmt.Fprintf(w, "  %s %s: %s\n", e.Code, e.Field, e.Message)
		}
		for _, warn := range world.Warnings {
			fmt.Fprintf(w, "  %s %s: %s\n", warn.Level, warn.Field, warn.Message)
		}
	}
	if r.Valid {
		fmt.Fprintln(w, "✓ All worlds valid")
	}
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <world.cue | dir>",
		Short: "Validate CUE world definitions",
		Long: `Compile every world under the top-level "world" field of a CUE file or
package directory, check each one, and dry-run its program. Goals that no
listed move can reach are reported as warnings.

Exit codes:
  0 - All worlds valid
  1 - One or more worlds invalid
  2 - Command error (path not found, CUE does not compile)`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.finish(runValidate(rootOpts, args[0], cmd))
		},
	}

	return cmd
}

func runValidate(opts *RootOptions, path string, cmd *cobra.Command) error {
	out := newPrinter(opts, cmd.OutOrStdout())

	defs, err := compiler.LoadWorlds(path)
	if err != nil {
		result := ValidationResult{Worlds: []WorldReport{}, LoadError: &compiler.ValidationError{Field: "load", Message: err.Error(), Code: compiler.ErrCodeLoadFailed}}
		var loadErr *compiler.LoadError
		if errors.As(err, &loadErr) {
			result.LoadError.Code = loadErr.Code
			result.LoadError.Message = loadErr.Error()
		}
		if perr := out.print(false, result); perr != nil {
			return perr
		}
		return WrapExitError(ExitCommandError, "failed to load worlds", err)
	}

	result := ValidationResult{Valid: true, Worlds: make([]WorldReport, 0, len(defs))}
	for _, def := range defs {
		report := WorldReport{
			World:    def.Name,
			Errors:   compiler.Validate(def),
			Warnings: compiler.AnalyzeReachability(def),
		}
		if report.Errors == nil {
			report.Errors = []compiler.ValidationError{}
		}
		if len(report.Errors) > 0 {
			result.Valid = false
		}
		result.Worlds = append(result.Worlds, report)
	}

	if err := out.print(result.Valid, result); err != nil {
		return err
	}
	if !result.Valid {
		return NewExitError(ExitFailure, "validation failed")
	}
	return nil
}
