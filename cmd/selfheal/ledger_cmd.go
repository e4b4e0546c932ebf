package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"

	"github.com/Mindburn-Labs/selfheal/pkg/archive"
	"github.com/Mindburn-Labs/selfheal/pkg/config"
	"github.com/Mindburn-Labs/selfheal/pkg/ledger"
)

// openLedger opens the ledger read side used by the offline commands.
func openLedger(ctx context.Context, stderr io.Writer) (*config.Config, *sql.DB, *ledger.Ledger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, nil, err
	}
	logger := newLogger(cfg, stderr)
	db, _, ls, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, nil, nil, err
	}
	opts, err := ledgerOptions(cfg, logger)
	if err != nil {
		_ = db.Close()
		return nil, nil, nil, err
	}
	return cfg, db, ledger.New(ls, opts...), nil
}

func writeJSON(w io.Writer, v any) {
	data, _ := json.MarshalIndent(v, "", "  ")
	_, _ = fmt.Fprintln(w, string(data))
}

// runVerifyCmd implements `selfheal verify`.
//
// Exit codes:
//
//	0 = chain intact
//	1 = chain broken
//	2 = runtime error
func runVerifyCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("verify", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		from, to   uint64
		jsonOutput bool
	)
	cmd.Uint64Var(&from, "from", 1, "First sequence to verify")
	cmd.Uint64Var(&to, "to", 0, "Last sequence to verify (0 = head)")
	cmd.BoolVar(&jsonOutput, "json", false, "Output results as JSON")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	ctx := context.Background()
	_, db, l, err := openLedger(ctx, stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer func() { _ = db.Close() }()

	seq, head, err := l.Head(ctx)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	brk, err := l.VerifyChain(ctx, from, to)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	if jsonOutput {
		writeJSON(stdout, map[string]any{
			"verified":      brk == nil,
			"head_sequence": seq,
			"head_hash":     head,
			"break":         brk,
		})
	} else if brk == nil {
		_, _ = fmt.Fprintf(stdout, "Ledger verification PASSED (%d entries, head %s)\n", seq, head)
	} else {
		_, _ = fmt.Fprintf(stdout, "Ledger verification FAILED at entry %d: %s\n", brk.Sequence, brk.Reason)
	}
	if brk != nil {
		return 1
	}
	return 0
}

// runExportCmd implements `selfheal export`: it packages a range of the
// ledger as a self-verifying bundle and stores it in the archive.
func runExportCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("export", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		from, to   uint64
		name       string
		jsonOutput bool
	)
	cmd.Uint64Var(&from, "from", 1, "First sequence to export")
	cmd.Uint64Var(&to, "to", 0, "Last sequence to export (0 = head)")
	cmd.StringVar(&name, "name", "", "Object name (default: bundles/<bundle_id>.json)")
	cmd.BoolVar(&jsonOutput, "json", false, "Output the bundle manifest as JSON")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	ctx := context.Background()
	cfg, db, l, err := openLedger(ctx, stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer func() { _ = db.Close() }()

	b, err := l.ExportBundle(ctx, from, to)
	if errors.Is(err, ledger.ErrEmptyRange) {
		_, _ = fmt.Fprintln(stderr, "Error: no ledger entries in range")
		return 1
	}
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	if err := ledger.VerifyBundle(b); err != nil {
		_, _ = fmt.Fprintf(stdout, "Bundle verification FAILED: %v\n", err)
		return 1
	}
	data, err := json.Marshal(b)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	store, err := archive.New(ctx, cfg.Archive)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	if name == "" {
		name = "bundles/" + b.BundleID + ".json"
	}
	location, err := store.Put(ctx, name, data)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	if jsonOutput {
		writeJSON(stdout, map[string]any{
			"bundle_id":      b.BundleID,
			"start_sequence": b.StartSeq,
			"end_sequence":   b.EndSeq,
			"entry_count":    b.EntryCount,
			"chain_head":     b.ChainHead,
			"bundle_hash":    b.BundleHash,
			"location":       location,
		})
	} else {
		_, _ = fmt.Fprintf(stdout, "Exported %d entries (%d..%d) to %s\n", b.EntryCount, b.StartSeq, b.EndSeq, location)
	}
	return 0
}

// runReplayCmd implements `selfheal replay`.
func runReplayCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("replay", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		runID      string
		jsonOutput bool
	)
	cmd.StringVar(&runID, "run", "", "Run id (REQUIRED)")
	cmd.BoolVar(&jsonOutput, "json", false, "Output records as JSON")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if runID == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --run is required")
		return 2
	}

	ctx := context.Background()
	_, db, l, err := openLedger(ctx, stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer func() { _ = db.Close() }()

	records, err := l.ReplayRun(ctx, runID)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	if len(records) == 0 {
		_, _ = fmt.Fprintf(stderr, "No ledger entries for run %s\n", runID)
		return 1
	}

	if jsonOutput {
		writeJSON(stdout, records)
		return 0
	}
	for _, r := range records {
		switch {
		case r.Audit != nil:
			_, _ = fmt.Fprintf(stdout, "%6d  %s  %-16s %-11s %s\n",
				r.Entry.Sequence, r.Audit.Timestamp.Format("2006-01-02T15:04:05.000000Z07:00"),
				r.Audit.PolicyChecked, r.Audit.Decision, r.Audit.Detail)
		case r.Learning != nil:
			_, _ = fmt.Fprintf(stdout, "%6d  %s  %-16s %-11s %dms\n",
				r.Entry.Sequence, r.Learning.CreatedAt.Format("2006-01-02T15:04:05.000000Z07:00"),
				"outcome", r.Learning.Result, r.Learning.DurationMs)
		}
	}
	return 0
}
