package cli

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/keel/internal/bundle"
	"github.com/roach88/keel/internal/ir"
	"github.com/roach88/keel/internal/store"
)

// HistoryOptions holds flags for the history command.
type HistoryOptions struct {
	*RootOptions
	Database string
	World    string
	Mode     string
	Limit    int
	Digest   string
}

// RunEntry is one ledger run.
type RunEntry struct {
	Seq          int64          `json:"seq"`
	BundleDigest ir.ContentHash `json:"bundle_digest"`
	World        string         `json:"world"`
	Mode         bundle.Mode    `json:"mode"`
	Outcome      string         `json:"outcome"`
}

func entryOf(r store.Run) RunEntry {
	return RunEntry{Seq: r.Seq, BundleDigest: r.BundleDigest, World: r.WorldID, Mode: r.Mode, Outcome: r.Outcome}
}

// HistoryList is the run listing.
type HistoryList struct {
	Runs []RunEntry `json:"runs"`
}

func (h HistoryList) renderText(w io.Writer) {
	if len(h.Runs) == 0 {
		fmt.Fprintln(w, "No runs recorded.")
		return
	}
	for _, r := range h.Runs {
		fmt.Fprintf(w, "%4d  %-8s %-6s %-20s %s\n", r.Seq, r.World, r.Mode, r.Outcome, r.BundleDigest)
	}
}

// ArtifactEntry is one stored artifact.
type ArtifactEntry struct {
	Name        string         `json:"name"`
	ContentHash ir.ContentHash `json:"content_hash"`
	Normative   bool           `json:"normative"`
	Size        int64          `json:"size"`
}

// HistoryDetail is one run with its artifacts and verifications.
type HistoryDetail struct {
	Run           RunEntry        `json:"run"`
	Artifacts     []ArtifactEntry `json:"artifacts"`
	Verifications []VerifySummary `json:"verifications"`
}

func (h HistoryDetail) renderText(w io.Writer) {
	fmt.Fprintf(w, "run %d: %s %s -> %s\n", h.Run.Seq, h.Run.World, h.Run.Mode, h.Run.Outcome)
	fmt.Fprintf(w, "digest: %s\n\nartifacts:\n", h.Run.BundleDigest)
	for _, a := range h.Artifacts {
		kind := "normative"
		if !a.Normative {
			kind = "observational"
		}
		fmt.Fprintf(w, "  %-28s %-13s %6d  %s\n", a.Name, kind, a.Size, a.ContentHash)
	}
	fmt.Fprintln(w, "\nverifications:")
	if len(h.Verifications) == 0 {
		fmt.Fprintln(w, "  none")
	}
	for _, v := range h.Verifications {
		if v.Check > 0 {
			fmt.Fprintf(w, "  %-8s %s (check %d)\n", v.Profile, v.Result, v.Check)
		} else {
			fmt.Fprintf(w, "  %-8s %s\n", v.Profile, v.Result)
		}
	}
}

// NewHistoryCommand creates the history command.
func NewHistoryCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &HistoryOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recorded runs and verifications",
		Long: `List runs recorded in the ledger, newest first, or show one run's
artifacts and verification history with --digest.

Examples:
  keel history --db keel.db
  keel history --db keel.db --world txn --mode search --limit 5
  keel history --db keel.db --digest sha256:...`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.finish(runHistory(opts, cmd))
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "ledger database (default $KEEL_DB)")
	cmd.Flags().StringVar(&opts.World, "world", "", "only runs of this world")
	cmd.Flags().StringVar(&opts.Mode, "mode", "", "only runs of this mode (linear|search)")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "at most N runs (0 = all)")
	cmd.Flags().StringVar(&opts.Digest, "digest", "", "show one run in detail")

	return cmd
}

func runHistory(opts *HistoryOptions, cmd *cobra.Command) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	path := opts.database(opts.Database)
	if path == "" {
		return NewExitError(ExitCommandError, "history needs a ledger (--db or KEEL_DB)")
	}
	switch bundle.Mode(opts.Mode) {
	case "", bundle.ModeLinear, bundle.ModeSearch:
	default:
		return NewExitError(ExitCommandError, fmt.Sprintf("invalid mode %q: must be linear or search", opts.Mode))
	}

	st, err := store.Open(path)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open ledger", err)
	}
	defer st.Close()

	out := newPrinter(opts.RootOptions, cmd.OutOrStdout())
	if opts.Digest != "" {
		detail, err := historyDetail(ctx, st, ir.ContentHash(opts.Digest))
		if err != nil {
			return err
		}
		return out.print(true, detail)
	}

	runs, err := st.ListRuns(ctx, store.RunFilter{WorldID: opts.World, Mode: bundle.Mode(opts.Mode), Limit: opts.Limit})
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to list runs", err)
	}
	list := HistoryList{Runs: make([]RunEntry, 0, len(runs))}
	for _, r := range runs {
		list.Runs = append(list.Runs, entryOf(r))
	}
	return out.print(true, list)
}

func historyDetail(ctx context.Context, st *store.Store, digest ir.ContentHash) (HistoryDetail, error) {
	run, err := st.GetRun(ctx, digest)
	if errors.Is(err, store.ErrNotFound) {
		return HistoryDetail{}, WrapExitError(ExitCommandError, "bundle not in ledger", err)
	}
	if err != nil {
		return HistoryDetail{}, WrapExitError(ExitCommandError, "failed to load run", err)
	}
	infos, err := st.ListArtifacts(ctx, digest)
	if err != nil {
		return HistoryDetail{}, WrapExitError(ExitCommandError, "failed to list artifacts", err)
	}
	verifications, err := st.ListVerifications(ctx, digest)
	if err != nil {
		return HistoryDetail{}, WrapExitError(ExitCommandError, "failed to list verifications", err)
	}

	detail := HistoryDetail{
		Run:           entryOf(run),
		Artifacts:     make([]ArtifactEntry, 0, len(infos)),
		Verifications: make([]VerifySummary, 0, len(verifications)),
	}
	for _, a := range infos {
		detail.Artifacts = append(detail.Artifacts, ArtifactEntry{
			Name:        a.Name,
			ContentHash: a.ContentHash,
			Normative:   a.Normative,
			Size:        a.Size,
		})
	}
	for _, v := range verifications {
		s := summaryOf(v)
		s.Recorded = true
		detail.Verifications = append(detail.Verifications, s)
	}
	return detail, nil
}
