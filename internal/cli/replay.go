package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/keel/internal/bundle"
	"github.com/roach88/keel/internal/operator"
	"github.com/roach88/keel/internal/trace"
)

// ReplayOptions holds flags for the replay command.
type ReplayOptions struct {
	*RootOptions
	World     string
	WorldFile string
}

// ReplaySummary is the outcome of replaying one trace.
type ReplaySummary struct {
	Source  string        `json:"source"`
	Frames  int           `json:"frames"`
	Verdict trace.Verdict `json:"verdict"`
}

func (s ReplaySummary) renderText(w io.Writer) {
	if s.Verdict.Matched() {
		fmt.Fprintf(w, "✓ %s: Match (%d frames)\n", s.Source, s.Frames)
		return
	}
	fmt.Fprintf(w, "✗ %s: Divergence at frame %d\n", s.Source, s.Verdict.FrameIndex)
	if s.Verdict.Detail != "" {
		fmt.Fprintf(w, "  %s\n", s.Verdict.Detail)
	}
}

// NewReplayCommand creates the replay command.
func NewReplayCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReplayOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "replay <bundle-dir | trace.bst1>",
		Short: "Replay a trace and check every recorded state",
		Long: `Re-execute a trace from frame 0 and compare every resulting state with
the recorded snapshot.

Given a bundle directory, the bundle's operator registry and report are
used and the payload hash is checked as well. Given a bare trace.bst1
file, --world names the world whose operators replay it and whose
compiled state frame 0 must equal.

Exit codes:
  0 - Match
  1 - Divergence, or the trace could not be decoded
  2 - Command error (missing file, unknown world, etc.)

Examples:
  keel replay ./bundles/txn
  keel replay ./trace.bst1 --world lattice`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.finish(runReplay(opts, args[0], cmd))
		},
	}

	cmd.Flags().StringVar(&opts.World, "world", "", "world for a bare trace file")
	cmd.Flags().StringVar(&opts.WorldFile, "world-file", "", "CUE file or directory defining the world")

	return cmd
}

func runReplay(opts *ReplayOptions, path string, cmd *cobra.Command) error {
	info, err := os.Stat(path)
	if err != nil {
		return WrapExitError(ExitCommandError, "trace not found", err)
	}

	var (
		data       []byte
		ops        *operator.Registry
		replayOpts []trace.ReplayOption
	)
	if info.IsDir() {
		data, ops, replayOpts, err = bundleReplayInputs(path)
	} else {
		data, ops, replayOpts, err = fileReplayInputs(opts, path)
	}
	if err != nil {
		return err
	}

	verdict, err := trace.ReplayVerifyBytes(data, ops, replayOpts...)
	if err != nil {
		return WrapExitError(ExitFailure, "trace could not be decoded", err)
	}
	summary := ReplaySummary{Source: path, Verdict: verdict}
	if tr, _, err := trace.Decode(data); err == nil {
		summary.Frames = len(tr.Frames)
	}

	slog.Info("trace replayed", "source", path, "verdict", verdict.Kind, "frame_index", verdict.FrameIndex)
	if err := newPrinter(opts.RootOptions, cmd.OutOrStdout()).print(verdict.Matched(), summary); err != nil {
		return err
	}
	if !verdict.Matched() {
		return NewExitError(ExitFailure, fmt.Sprintf("replay diverged at frame %d", verdict.FrameIndex))
	}
	return nil
}

// bundleReplayInputs takes the trace, operator registry, recompiled initial
// state and payload hash from a verified-readable bundle directory.
func bundleReplayInputs(dir string) ([]byte, *operator.Registry, []trace.ReplayOption, error) {
	b, err := bundle.ReadDir(dir)
	if err != nil {
		return nil, nil, nil, WrapExitError(ExitCommandError, "failed to read bundle", err)
	}
	data, ok := b.Content(bundle.NameTrace)
	if !ok {
		return nil, nil, nil, NewExitError(ExitCommandError, fmt.Sprintf("bundle has no %s (search bundles carry a tape; use render)", bundle.NameTrace))
	}
	regData, ok := b.Content(bundle.NameOperatorRegistry)
	if !ok {
		return nil, nil, nil, NewExitError(ExitCommandError, fmt.Sprintf("bundle has no %s", bundle.NameOperatorRegistry))
	}
	ops, err := operator.ParseRegistry(regData)
	if err != nil {
		return nil, nil, nil, WrapExitError(ExitFailure, "invalid operator registry", err)
	}
	initial, err := bundle.InitialState(b)
	if err != nil {
		return nil, nil, nil, WrapExitError(ExitFailure, "failed to compile initial state", err)
	}
	opts := []trace.ReplayOption{trace.WithInitialState(initial)}
	if reportData, ok := b.Content(bundle.NameReport); ok {
		report, err := bundle.ParseReport(reportData)
		if err != nil {
			return nil, nil, nil, WrapExitError(ExitFailure, "invalid verification report", err)
		}
		if report.PayloadHash != "" {
			opts = append(opts, trace.WithPayloadHash(report.PayloadHash))
		}
	}
	return data, ops, opts, nil
}

// fileReplayInputs replays a bare trace against a named world.
func fileReplayInputs(opts *ReplayOptions, path string) ([]byte, *operator.Registry, []trace.ReplayOption, error) {
	if opts.World == "" {
		return nil, nil, nil, NewExitError(ExitCommandError, "--world is required to replay a bare trace file")
	}
	def, err := resolveWorld(opts.World, opts.WorldFile)
	if err != nil {
		return nil, nil, nil, err
	}
	compiled, err := def.Compile()
	if err != nil {
		return nil, nil, nil, WrapExitError(ExitCommandError, "failed to compile world", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, nil, WrapExitError(ExitCommandError, "failed to read trace", err)
	}
	return data, def.Operators, []trace.ReplayOption{trace.WithInitialState(compiled.State)}, nil
}
