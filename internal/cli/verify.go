package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/roach88/keel/internal/bundle"
	"github.com/roach88/keel/internal/ir"
	"github.com/roach88/keel/internal/store"
)

// VerifyOptions holds flags for the verify command.
type VerifyOptions struct {
	*RootOptions
	Profile  string
	Database string
	Digest   string
	All      bool
}

// VerifySummary is the outcome of verifying one bundle.
type VerifySummary struct {
	BundleDigest ir.ContentHash    `json:"bundle_digest,omitempty"`
	Profile      bundle.Profile    `json:"profile"`
	Result       string            `json:"result"`
	Check        int               `json:"check,omitempty"`
	Message      string            `json:"message,omitempty"`
	Details      map[string]string `json:"details,omitempty"`
	Recorded     bool              `json:"recorded"`
}

func (s VerifySummary) passed() bool { return s.Result == store.ResultPass }

func (s VerifySummary) renderText(w io.Writer) {
	if s.passed() {
		fmt.Fprintf(w, "✓ %s (%s)\n", s.BundleDigest, s.Profile)
		return
	}
	fmt.Fprintf(w, "✗ %s (%s)\n", s.BundleDigest, s.Profile)
	if s.Check > 0 {
		fmt.Fprintf(w, "  check %d %s: %s\n", s.Check, s.Result, s.Message)
	} else {
		fmt.Fprintf(w, "  %s: %s\n", s.Result, s.Message)
	}
	for _, k := range sortedKeys(s.Details) {
		fmt.Fprintf(w, "  %s = %s\n", k, s.Details[k])
	}
}

// ReverifySummary is the outcome of re-verifying the whole ledger.
type ReverifySummary struct {
	Profile bundle.Profile  `json:"profile"`
	Checked int             `json:"checked"`
	Passed  int             `json:"passed"`
	Failed  []VerifySummary `json:"failed"`
}

func (s ReverifySummary) renderText(w io.Writer) {
	for _, f := range s.Failed {
		f.renderText(w)
	}
	fmt.Fprintf(w, "\n%d checked, %d passed, %d failed (%s)\n", s.Checked, s.Passed, len(s.Failed), s.Profile)
}

func summaryOf(v store.Verification) VerifySummary {
	return VerifySummary{
		BundleDigest: v.BundleDigest,
		Profile:      v.Profile,
		Result:       v.Result,
		Check:        v.Check,
		Message:      v.Message,
		Details:      v.Details,
	}
}

// NewVerifyCommand creates the verify command.
func NewVerifyCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &VerifyOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "verify [bundle-dir]",
		Short: "Verify a bundle",
		Long: `Verify a bundle directory, a bundle from the ledger (--digest), or every
bundle in the ledger (--all).

Lenient checks every binding the bundle carries. Strict also requires the
search tape, replays the trace, renders the tape against the search graph
and recompiles the compilation manifest. When a ledger is configured the
outcome is recorded against the bundle's run.

Exit codes:
  0 - Verification passed
  1 - Verification failed
  2 - Command error (unreadable directory, no ledger, etc.)

Examples:
  keel verify ./bundles/txn
  keel verify ./bundles/txn --profile lenient
  keel verify --db keel.db --digest sha256:...
  keel verify --db keel.db --all`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.finish(runVerify(opts, args, cmd))
		},
	}

	cmd.Flags().StringVar(&opts.Profile, "profile", string(bundle.Strict), "verification profile (strict|lenient) (default $KEEL_PROFILE)")
	cmd.Flags().StringVar(&opts.Database, "db", "", "ledger database (default $KEEL_DB)")
	cmd.Flags().StringVar(&opts.Digest, "digest", "", "verify the ledger bundle with this digest")
	cmd.Flags().BoolVar(&opts.All, "all", false, "re-verify every ledger bundle")

	return cmd
}

func runVerify(opts *VerifyOptions, args []string, cmd *cobra.Command) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	profile, err := opts.profile(cmd, opts.Profile)
	if err != nil {
		return err
	}

	sources := 0
	for _, set := range []bool{len(args) == 1, opts.Digest != "", opts.All} {
		if set {
			sources++
		}
	}
	if sources != 1 {
		return NewExitError(ExitCommandError, "give exactly one of a bundle directory, --digest or --all")
	}

	var st *store.Store
	if path := opts.database(opts.Database); path != "" {
		if st, err = store.Open(path); err != nil {
			return WrapExitError(ExitCommandError, "failed to open ledger", err)
		}
		defer st.Close()
	} else if len(args) == 0 {
		return NewExitError(ExitCommandError, "--digest and --all need a ledger (--db or KEEL_DB)")
	}

	out := newPrinter(opts.RootOptions, cmd.OutOrStdout())
	if opts.All {
		return verifyLedger(ctx, opts, st, profile, out)
	}

	var b *bundle.Bundle
	if opts.Digest != "" {
		b, err = st.LoadBundle(ctx, ir.ContentHash(opts.Digest))
		if errors.Is(err, store.ErrNotFound) {
			return WrapExitError(ExitCommandError, "bundle not in ledger", err)
		}
	} else {
		b, err = bundle.ReadDir(args[0])
		if bundle.IsReadError(err, bundle.ErrCodeIO) {
			return WrapExitError(ExitCommandError, "failed to read bundle", err)
		}
	}

	var summary VerifySummary
	if err != nil {
		// The bundle could not be assembled; nothing can be recorded.
		summary = VerifySummary{Profile: profile, Result: store.ResultError, Message: err.Error()}
		var rerr *bundle.ReadError
		if errors.As(err, &rerr) {
			summary.Result = string(rerr.Code)
			summary.Details = rerr.Details
		}
		opts.collector().ObserveResult(profile, summary.Result)
	} else {
		verr := bundle.Verify(b, profile)
		opts.collector().ObserveVerify(profile, verr)
		v := store.NewVerification(b.Digest, profile, verr)
		summary = summaryOf(v)
		if st != nil {
			if summary.Recorded, err = recordVerification(ctx, st, v); err != nil {
				return err
			}
		}
	}

	slog.Info("bundle verified", "bundle_digest", summary.BundleDigest, "profile", profile, "result", summary.Result)
	if err := out.print(summary.passed(), summary); err != nil {
		return err
	}
	if !summary.passed() {
		return NewExitError(ExitFailure, fmt.Sprintf("verification failed: %s", summary.Result))
	}
	return nil
}

// recordVerification stores v when its bundle has a recorded run. Bundles
// verified from a directory may never have been recorded.
func recordVerification(ctx context.Context, st *store.Store, v store.Verification) (bool, error) {
	if _, err := st.GetRun(ctx, v.BundleDigest); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			slog.Debug("verification not recorded, bundle has no run", "bundle_digest", v.BundleDigest)
			return false, nil
		}
		return false, WrapExitError(ExitCommandError, "failed to look up run", err)
	}
	if _, err := st.RecordVerification(ctx, v); err != nil {
		return false, WrapExitError(ExitCommandError, "failed to record verification", err)
	}
	return true, nil
}

func verifyLedger(ctx context.Context, opts *VerifyOptions, st *store.Store, profile bundle.Profile, out *printer) error {
	res, err := st.Reverify(ctx, profile)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to re-verify ledger", err)
	}

	summary := ReverifySummary{
		Profile: profile,
		Checked: res.Checked,
		Passed:  res.Passed,
		Failed:  make([]VerifySummary, 0, len(res.Failed)),
	}
	for range res.Passed {
		opts.collector().ObserveResult(profile, store.ResultPass)
	}
	for _, v := range res.Failed {
		opts.collector().ObserveResult(profile, v.Result)
		s := summaryOf(v)
		s.Recorded = true
		summary.Failed = append(summary.Failed, s)
	}

	ok := len(summary.Failed) == 0
	if err := out.print(ok, summary); err != nil {
		return err
	}
	if !ok {
		return NewExitError(ExitFailure, fmt.Sprintf("%d of %d bundles failed verification", len(summary.Failed), summary.Checked))
	}
	return nil
}
