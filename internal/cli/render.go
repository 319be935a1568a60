package cli

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/keel/internal/bundle"
	"github.com/roach88/keel/internal/ir"
	"github.com/roach88/keel/internal/tape"
)

// RenderOptions holds flags for the render command.
type RenderOptions struct {
	*RootOptions
	Out string
}

// RenderSummary describes a rendered search tape.
type RenderSummary struct {
	Source      string         `json:"source"`
	TapeDigest  ir.ContentHash `json:"tape_digest"`
	Records     int            `json:"records"`
	Nodes       int            `json:"nodes"`
	Expansions  int            `json:"expansions"`
	Termination string         `json:"termination"`
	GraphDigest ir.ContentHash `json:"graph_digest"`

	// Equivalent is set for bundles: whether the rendered graph is
	// byte-identical to the bundle's search_graph.json.
	Equivalent *bool  `json:"equivalent,omitempty"`
	Out        string `json:"out,omitempty"`
}

func (s RenderSummary) renderText(w io.Writer) {
	fmt.Fprintf(w, "tape:        %s\n", s.TapeDigest)
	fmt.Fprintf(w, "records:     %d\n", s.Records)
	fmt.Fprintf(w, "nodes:       %d\n", s.Nodes)
	fmt.Fprintf(w, "expansions:  %d\n", s.Expansions)
	fmt.Fprintf(w, "termination: %s\n", s.Termination)
	fmt.Fprintf(w, "graph:       %s\n", s.GraphDigest)
	if s.Equivalent != nil {
		if *s.Equivalent {
			fmt.Fprintf(w, "✓ rendered graph matches %s\n", bundle.NameSearchGraph)
		} else {
			fmt.Fprintf(w, "✗ rendered graph differs from %s\n", bundle.NameSearchGraph)
		}
	}
	if s.Out != "" {
		fmt.Fprintf(w, "written to:  %s\n", s.Out)
	}
}

// NewRenderCommand creates the render command.
func NewRenderCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RenderOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "render <bundle-dir | search_tape.stap>",
		Short: "Rebuild a search graph from its tape",
		Long: `Read a search tape, check its hash chain, and rebuild the search graph it
records. For a bundle directory the rendered graph is compared byte for
byte with the bundle's search_graph.json.

Exit codes:
  0 - Rendered (and, for bundles, equivalent)
  1 - The tape is corrupt or the rendered graph differs
  2 - Command error (missing file, bundle without a tape, etc.)

Examples:
  keel render ./bundles/lattice
  keel render ./bundles/lattice/search_tape.stap --out graph.json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.finish(runRender(opts, args[0], cmd))
		},
	}

	cmd.Flags().StringVarP(&opts.Out, "out", "o", "", "write the rendered search_graph.json here")

	return cmd
}

func runRender(opts *RenderOptions, path string, cmd *cobra.Command) error {
	info, err := os.Stat(path)
	if err != nil {
		return WrapExitError(ExitCommandError, "tape not found", err)
	}

	var data, graphData []byte
	if info.IsDir() {
		b, err := bundle.ReadDir(path)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to read bundle", err)
		}
		var ok bool
		if data, ok = b.Content(bundle.NameSearchTape); !ok {
			return NewExitError(ExitCommandError, fmt.Sprintf("bundle has no %s", bundle.NameSearchTape))
		}
		graphData, _ = b.Content(bundle.NameSearchGraph)
	} else if data, err = os.ReadFile(path); err != nil {
		return WrapExitError(ExitCommandError, "failed to read tape", err)
	}

	t, err := tape.Read(data)
	if err != nil {
		return WrapExitError(ExitFailure, "corrupt tape", err)
	}
	g, err := tape.Render(t)
	if err != nil {
		return WrapExitError(ExitFailure, "tape does not render", err)
	}
	rendered, err := g.CanonicalBytes()
	if err != nil {
		return WrapExitError(ExitFailure, "rendered graph is not serializable", err)
	}

	summary := RenderSummary{
		Source:      path,
		TapeDigest:  t.Digest(),
		Records:     len(t.Records),
		Nodes:       len(g.NodeSummaries),
		Expansions:  len(g.Expansions),
		Termination: string(g.Metadata.Termination.Type),
		GraphDigest: bundle.ArtifactHash(rendered),
		Out:         opts.Out,
	}
	if graphData != nil {
		equivalent := bytes.Equal(rendered, graphData)
		summary.Equivalent = &equivalent
	}

	if opts.Out != "" {
		if err := os.WriteFile(opts.Out, rendered, 0o644); err != nil {
			return WrapExitError(ExitCommandError, "failed to write graph", err)
		}
	}

	slog.Info("tape rendered", "source", path, "tape_digest", summary.TapeDigest, "nodes", summary.Nodes)
	ok := summary.Equivalent == nil || *summary.Equivalent
	if err := newPrinter(opts.RootOptions, cmd.OutOrStdout()).print(ok, summary); err != nil {
		return err
	}
	if !ok {
		return NewExitError(ExitFailure, fmt.Sprintf("rendered graph differs from %s", bundle.NameSearchGraph))
	}
	return nil
}
