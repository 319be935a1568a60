package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/roach88/keel/internal/bundle"
	"github.com/roach88/keel/internal/config"
	"github.com/roach88/keel/internal/metrics"
)

// RootOptions holds global flags and the per-invocation environment.
type RootOptions struct {
	Verbose bool
	Format  string // "json" | "text"

	// Config holds KEEL_* defaults; flags override it.
	Config config.Config

	// Metrics collects counters for this invocation. Written to
	// Config.MetricsFile when that is set.
	Metrics *metrics.Metrics
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the keel CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "keel",
		Short: "keel - deterministic state search with verifiable bundles",
		Long: `Run worlds linearly or under best-first search, seal every run into a
content-addressed bundle, and verify, replay or render bundles later.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.setup(cmd.ErrOrStderr())
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output (debug logging)")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewVerifyCommand(opts))
	cmd.AddCommand(NewReplayCommand(opts))
	cmd.AddCommand(NewRenderCommand(opts))
	cmd.AddCommand(NewTestCommand(opts))
	cmd.AddCommand(NewHistoryCommand(opts))
	cmd.AddCommand(NewValidateCommand(opts))

	return cmd
}

// setup validates global flags, loads the environment and installs the
// default logger.
func (o *RootOptions) setup(logOut io.Writer) error {
	if !slices.Contains(ValidFormats, o.Format) {
		return NewExitError(ExitCommandError, fmt.Sprintf("invalid format %q: must be one of %v", o.Format, ValidFormats))
	}
	cfg, err := config.Load()
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load environment", err)
	}
	o.Config = cfg
	o.Metrics = metrics.New()

	level := cfg.Level()
	if o.Verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(newLogHandler(logOut, cfg.LogFormat, level)))
	return nil
}

// newLogHandler picks a text handler for terminals and JSON otherwise,
// unless format forces one.
func newLogHandler(w io.Writer, format string, level slog.Level) slog.Handler {
	hopts := &slog.HandlerOptions{Level: level}
	if format == "auto" || format == "" {
		format = "json"
		if f, ok := w.(*os.File); ok && (isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())) {
			format = "text"
		}
	}
	if format == "text" {
		return slog.NewTextHandler(w, hopts)
	}
	return slog.NewJSONHandler(w, hopts)
}

// profile resolves a --profile flag against KEEL_PROFILE.
func (o *RootOptions) profile(cmd *cobra.Command, flag string) (bundle.Profile, error) {
	value := o.Config.Profile
	if cmd.Flags().Changed("profile") || value == "" {
		value = flag
	}
	p, err := bundle.ParseProfile(value)
	if err != nil {
		return "", WrapExitError(ExitCommandError, "invalid profile", err)
	}
	return p, nil
}

// database resolves a --db flag against KEEL_DB. Empty means no ledger.
func (o *RootOptions) database(flag string) string {
	if flag != "" {
		return flag
	}
	return o.Config.DB
}

// collector returns the invocation's metrics, creating them for commands
// run without the root.
func (o *RootOptions) collector() *metrics.Metrics {
	if o.Metrics == nil {
		o.Metrics = metrics.New()
	}
	return o.Metrics
}

// finish writes the metrics file, if configured, and passes err through.
// A failed metrics write only surfaces when the command itself succeeded.
func (o *RootOptions) finish(err error) error {
	if o.Metrics == nil || o.Config.MetricsFile == "" {
		return err
	}
	if werr := o.Metrics.WriteFile(o.Config.MetricsFile); werr != nil {
		slog.Warn("metrics not written", "path", o.Config.MetricsFile, "error", werr)
		if err == nil {
			return WrapExitError(ExitCommandError, "failed to write metrics", werr)
		}
	}
	return err
}
