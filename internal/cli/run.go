package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/keel/internal/bundle"
	"github.com/roach88/keel/internal/envelope"
	"github.com/roach88/keel/internal/harness"
	"github.com/roach88/keel/internal/ir"
	"github.com/roach88/keel/internal/search"
	"github.com/roach88/keel/internal/store"
	"github.com/roach88/keel/internal/worlds"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	World      string
	WorldFile  string
	Mode       string
	PolicyFile string
	Out        string
	Database   string
	Live       bool
	Repeat     int
}

// RunSummary is the result of one run.
type RunSummary struct {
	World        string         `json:"world"`
	Mode         bundle.Mode    `json:"mode"`
	BundleDigest ir.ContentHash `json:"bundle_digest"`
	Verdict      string         `json:"verdict"`
	Steps        int            `json:"steps"`
	Repeats      int            `json:"repeats"`
	Out          string         `json:"out,omitempty"`
	Seq          int64          `json:"seq,omitempty"`
	Recorded     bool           `json:"recorded"`
}

func (s RunSummary) renderText(w io.Writer) {
	fmt.Fprintf(w, "world:   %s (%s)\n", s.World, s.Mode)
	fmt.Fprintf(w, "verdict: %s\n", s.Verdict)
	fmt.Fprintf(w, "steps:   %d\n", s.Steps)
	fmt.Fprintf(w, "digest:  %s\n", s.BundleDigest)
	if s.Repeats > 1 {
		fmt.Fprintf(w, "repeats: %d identical\n", s.Repeats)
	}
	if s.Out != "" {
		fmt.Fprintf(w, "bundle:  %s\n", s.Out)
	}
	if s.Seq != 0 {
		state := "recorded"
		if !s.Recorded {
			state = "already recorded"
		}
		fmt.Fprintf(w, "ledger:  seq %d (%s)\n", s.Seq, state)
	}
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a world and seal the result into a bundle",
		Long: `Run a world's program (linear mode) or search it for its goal (search
mode), then seal the run into a content-addressed bundle.

The bundle is written to --out when given and recorded in the ledger when
--db or KEEL_DB is set. --repeat N runs N independent copies in parallel
and fails unless every bundle digest is identical.

Exit codes:
  0 - Run completed
  1 - The run was refused by policy or was not deterministic
  2 - Command error (unknown world, bad policy file, etc.)

Examples:
  keel run --world lattice
  keel run --world txn --mode search --out ./bundles/txn
  keel run --world grid --world-file ./worlds/grid.cue --mode search --policy policy.yaml
  keel run --world txn --repeat 10 --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.finish(runRun(opts, cmd))
		},
	}

	cmd.Flags().StringVar(&opts.World, "world", "", "world name (required)")
	_ = cmd.MarkFlagRequired("world")
	cmd.Flags().StringVar(&opts.WorldFile, "world-file", "", "CUE file or directory defining the world")
	cmd.Flags().StringVar(&opts.Mode, "mode", string(bundle.ModeLinear), "run mode (linear|search)")
	cmd.Flags().StringVar(&opts.PolicyFile, "policy", "", "search policy YAML (search mode)")
	cmd.Flags().StringVarP(&opts.Out, "out", "o", "", "directory to write the bundle to (must not exist)")
	cmd.Flags().StringVar(&opts.Database, "db", "", "ledger database (default $KEEL_DB)")
	cmd.Flags().BoolVar(&opts.Live, "live", false, "stamp trace envelopes with wall time and UUIDv7 ids")
	cmd.Flags().IntVar(&opts.Repeat, "repeat", 1, "run N times and require identical digests")

	return cmd
}

func runRun(opts *RunOptions, cmd *cobra.Command) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	def, err := resolveWorld(opts.World, opts.WorldFile)
	if err != nil {
		return err
	}
	execute, err := opts.executor()
	if err != nil {
		return err
	}
	if opts.Repeat < 1 {
		return NewExitError(ExitCommandError, fmt.Sprintf("--repeat must be at least 1, got %d", opts.Repeat))
	}

	if opts.Repeat > 1 {
		slog.Info("checking determinism", "world", def.Name, "mode", opts.Mode, "runs", opts.Repeat)
		if _, err := harness.CheckDeterminism(ctx, opts.Repeat, execute); err != nil {
			return runFailure(err)
		}
	}

	run, err := execute(ctx)
	if err != nil {
		return runFailure(err)
	}
	opts.collector().ObserveRun(run)

	summary := RunSummary{
		World:        def.Name,
		Mode:         run.Mode,
		BundleDigest: run.Bundle.Digest,
		Verdict:      run.Verdict(),
		Steps:        len(run.Steps),
		Repeats:      opts.Repeat,
		Out:          opts.Out,
	}

	if opts.Out != "" {
		if err := bundle.WriteDir(run.Bundle, opts.Out); err != nil {
			return WrapExitError(ExitCommandError, "failed to write bundle", err)
		}
	}

	if path := opts.database(opts.Database); path != "" {
		st, err := store.Open(path)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to open ledger", err)
		}
		defer st.Close()
		summary.Seq, summary.Recorded, err = st.RecordRun(ctx, store.Run{
			BundleDigest: run.Bundle.Digest,
			WorldID:      def.Name,
			Mode:         run.Mode,
			Outcome:      summary.Verdict,
		}, run.Bundle)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to record run", err)
		}
	}

	slog.Info("run complete",
		"world", def.Name,
		"mode", run.Mode,
		"verdict", summary.Verdict,
		"bundle_digest", run.Bundle.Digest)
	return newPrinter(opts.RootOptions, cmd.OutOrStdout()).print(true, summary)
}

// executor builds a function that performs one independent run. Every
// call resolves its own world and creates its own runner and envelope
// source, so parallel calls share nothing.
func (opts *RunOptions) executor() (func(context.Context) (*harness.RunOutput, error), error) {
	mode := bundle.Mode(opts.Mode)
	var policy search.Policy
	switch mode {
	case bundle.ModeLinear:
		if opts.PolicyFile != "" {
			return nil, NewExitError(ExitCommandError, "--policy applies to search mode only")
		}
	case bundle.ModeSearch:
		policy = search.DefaultPolicy()
		if opts.PolicyFile != "" {
			f, err := os.Open(opts.PolicyFile)
			if err != nil {
				return nil, WrapExitError(ExitCommandError, "failed to open policy", err)
			}
			defer f.Close()
			if policy, err = search.LoadPolicy(f); err != nil {
				return nil, WrapExitError(ExitCommandError, "invalid policy", err)
			}
		}
	default:
		return nil, NewExitError(ExitCommandError, fmt.Sprintf("invalid mode %q: must be linear or search", opts.Mode))
	}

	name, file, live := opts.World, opts.WorldFile, opts.Live
	return func(ctx context.Context) (*harness.RunOutput, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		def, err := resolveWorld(name, file)
		if err != nil {
			return nil, err
		}
		runnerOpts := []harness.Option{harness.WithLogger(slog.Default())}
		if live {
			runnerOpts = append(runnerOpts, harness.WithEnvelopes(envelope.NewLive()))
		}
		runner := harness.New(runnerOpts...)
		if mode == bundle.ModeSearch {
			return runner.RunSearch(def, policy, nil)
		}
		return runner.RunProgram(def)
	}, nil
}

// runFailure maps run errors to exit codes: refusals and drift are
// failures, everything else is a command error.
func runFailure(err error) error {
	if code, ok := harness.ViolationOf(err); ok {
		return WrapExitError(ExitFailure, fmt.Sprintf("run refused by policy (%s)", code), err)
	}
	var drift *harness.DeterminismError
	if errors.As(err, &drift) {
		return WrapExitError(ExitFailure, "run is not deterministic", err)
	}
	return WrapExitError(ExitCommandError, "run failed", err)
}

// resolveWorld finds a built-in world, or the named world in a CUE file.
func resolveWorld(name, file string) (*worlds.Definition, error) {
	def, err := harness.ResolveWorld(&harness.Scenario{World: name, WorldFile: file})
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to resolve world", err)
	}
	return def, nil
}
