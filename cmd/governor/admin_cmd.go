package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/pflag"

	"github.com/Mindburn-Labs/helm-governor/pkg/archive"
	"github.com/Mindburn-Labs/helm-governor/pkg/auth"
	"github.com/Mindburn-Labs/helm-governor/pkg/config"
	"github.com/Mindburn-Labs/helm-governor/pkg/ingest"
	"github.com/Mindburn-Labs/helm-governor/pkg/killswitch"
	"github.com/Mindburn-Labs/helm-governor/pkg/reconcile"
)

func newFlagSet(name string, stderr io.Writer) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.SetOutput(stderr)
	return fs
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func runHealthCmd(args []string, stdout, stderr io.Writer) int {
	cmd := newFlagSet("health", stderr)
	url := cmd.String("url", "", "health endpoint (default http://localhost:$HEALTH_PORT/health)")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if *url == "" {
		port := os.Getenv("HEALTH_PORT")
		if port == "" {
			port = "8081"
		}
		*url = "http://localhost:" + port + "/health"
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(*url)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Health check failed: %v\n", err)
		return 1
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		_, _ = fmt.Fprintf(stderr, "Health check failed: status %d\n", resp.StatusCode)
		return 1
	}
	_, _ = fmt.Fprintln(stdout, "OK")
	return 0
}

func runStatusCmd(args []string, stdout, stderr io.Writer) int {
	cmd := newFlagSet("status", stderr)
	audit := cmd.Int("audit", 0, "also print the last N audit rows")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	return withApp(stderr, func(ctx context.Context, a *app) error {
		st, err := a.exec.State(ctx)
		if err != nil {
			return err
		}
		out := map[string]any{"status": st}
		if *audit > 0 {
			rows, err := a.controls.Audit(ctx, *audit)
			if err != nil {
				return err
			}
			out["audit"] = rows
		}
		return printJSON(stdout, out)
	})
}

func runKillCmd(args []string, stdout, stderr io.Writer) int {
	cmd := newFlagSet("kill", stderr)
	reason := cmd.String("reason", "", "why the governor is being frozen")
	operator := cmd.String("operator", "", "operator recorded in the audit trail (REQUIRED)")
	confirm := cmd.String("confirm", "", "confirmation phrase (REQUIRED)")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if *operator == "" || *confirm == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --operator and --confirm are required")
		return 2
	}
	return withApp(stderr, func(ctx context.Context, a *app) error {
		st, err := a.exec.Kill(ctx, killswitch.KillRequest{Reason: *reason, Operator: *operator, Confirmation: *confirm})
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintf(stdout, "%sgovernor FROZEN%s\n", ColorBold+ColorRed, ColorReset)
		return printJSON(stdout, st)
	})
}

func runReviveCmd(args []string, stdout, stderr io.Writer) int {
	cmd := newFlagSet("revive", stderr)
	operator := cmd.String("operator", "", "operator recorded in the audit trail (REQUIRED)")
	reason := cmd.String("reason", "", "why the governor is being revived")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if *operator == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --operator is required")
		return 2
	}
	return withApp(stderr, func(ctx context.Context, a *app) error {
		st, err := a.exec.Revive(ctx, *operator, *reason)
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintf(stdout, "%sgovernor ACTIVE%s\n", ColorBold+ColorGreen, ColorReset)
		return printJSON(stdout, st)
	})
}

// ingestSummary is printed by the ingest command.
type ingestSummary struct {
	Admitted  int `json:"admitted"`
	Duplicate int `json:"duplicate"`
	Malformed int `json:"malformed"`
}

func runIngestCmd(args []string, stdout, stderr io.Writer) int {
	cmd := newFlagSet("ingest", stderr)
	file := cmd.String("file", "-", "JSON-lines file, - for stdin")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	in := io.Reader(os.Stdin)
	if *file != "-" {
		f, err := os.Open(*file)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		defer func() { _ = f.Close() }()
		in = f
	}

	return withApp(stderr, func(ctx context.Context, a *app) error {
		var sum ingestSummary
		sc := bufio.NewScanner(in)
		sc.Buffer(make([]byte, 64*1024), 1<<20)
		for line := 1; sc.Scan(); line++ {
			raw := sc.Bytes()
			if len(raw) == 0 {
				continue
			}
			res, err := a.ingest.Ingest(ctx, append([]byte(nil), raw...))
			switch {
			case ingest.IsMalformed(err):
				sum.Malformed++
				_, _ = fmt.Fprintf(stderr, "line %d: %v\n", line, err)
			case err != nil:
				return fmt.Errorf("line %d: %w", line, err)
			case res.Admitted:
				sum.Admitted++
			default:
				sum.Duplicate++
			}
		}
		if err := sc.Err(); err != nil {
			return err
		}
		return printJSON(stdout, sum)
	})
}

func runVerifyCmd(args []string, stdout, stderr io.Writer) int {
	cmd := newFlagSet("verify", stderr)
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	valid := false
	code := withApp(stderr, func(ctx context.Context, a *app) error {
		v, err := a.ledger.VerifyChain(ctx)
		if err != nil {
			return err
		}
		valid = v.Valid
		return printJSON(stdout, v)
	})
	if code == 0 && !valid {
		return 1
	}
	return code
}

func runReconcileCmd(args []string, stdout, stderr io.Writer) int {
	cmd := newFlagSet("reconcile", stderr)
	source := cmd.String("source", "", "source to reconcile (REQUIRED)")
	since := cmd.Duration("since", 48*time.Hour, "look back this far")
	records := cmd.String("records", "", "JSON file of external records to compare instead of RECONCILE_ENDPOINT")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if *source == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --source is required")
		return 2
	}
	return withApp(stderr, func(ctx context.Context, a *app) error {
		job := a.reconciler
		if *records != "" {
			data, err := os.ReadFile(*records)
			if err != nil {
				return err
			}
			var recs []reconcile.Record
			if err := json.Unmarshal(data, &recs); err != nil {
				return fmt.Errorf("parse %s: %w", *records, err)
			}
			static := reconcile.NewStaticSource()
			static.Set(*source, recs)
			job = reconcile.NewJob(a.ledger, a.canon, a.gaps, static)
		}
		if job == nil {
			return errors.New("no reconciliation source: set RECONCILE_ENDPOINT or pass --records")
		}
		now := time.Now().UTC()
		rep, err := job.Run(ctx, *source, reconcile.Window{From: now.Add(-*since), To: now})
		if err != nil {
			return err
		}
		return printJSON(stdout, rep)
	})
}

func runGapsCmd(args []string, stdout, stderr io.Writer) int {
	cmd := newFlagSet("gaps", stderr)
	all := cmd.Bool("all", false, "include resolved gaps")
	source := cmd.String("source", "", "only gaps for this source")
	limit := cmd.Int("limit", 100, "maximum rows")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	return withApp(stderr, func(ctx context.Context, a *app) error {
		f := reconcile.GapFilter{Source: *source, Limit: *limit}
		if !*all {
			open := false
			f.Resolved = &open
		}
		gaps, err := a.gaps.List(ctx, f)
		if err != nil {
			return err
		}
		return printJSON(stdout, gaps)
	})
}

func runResolveCmd(args []string, stdout, stderr io.Writer) int {
	cmd := newFlagSet("resolve", stderr)
	id := cmd.String("id", "", "gap id (REQUIRED)")
	resolution := cmd.String("resolution", "", "how the gap was resolved (REQUIRED)")
	operator := cmd.String("operator", "", "operator resolving the gap (REQUIRED)")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if *id == "" || *resolution == "" || *operator == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --id, --resolution and --operator are required")
		return 2
	}
	return withApp(stderr, func(ctx context.Context, a *app) error {
		gap, err := a.gaps.Resolve(ctx, *id, *resolution, *operator)
		if err != nil {
			return err
		}
		return printJSON(stdout, gap)
	})
}

func runSweepCmd(args []string, stdout, stderr io.Writer) int {
	cmd := newFlagSet("sweep", stderr)
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	return withApp(stderr, func(ctx context.Context, a *app) error {
		removed, err := a.dedupe.Sweep(ctx)
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintf(stdout, "removed %d expired dedupe entries\n", removed)
		return nil
	})
}

func runExportCmd(args []string, stdout, stderr io.Writer) int {
	cmd := newFlagSet("export", stderr)
	to := cmd.String("to", "", "archive URL (overrides ARCHIVE_URL)")
	after := cmd.Int64("after", 0, "export events after this sequence number")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	return withApp(stderr, func(ctx context.Context, a *app) error {
		target := *to
		if target == "" {
			target = a.cfg.ArchiveURL
		}
		if target == "" {
			return errors.New("no archive target: set ARCHIVE_URL or pass --to")
		}
		sink, err := archive.OpenSink(ctx, target)
		if err != nil {
			return err
		}
		defer func() { _ = sink.Close() }()

		m, err := archive.NewExporter(a.ledger, sink).Export(ctx, *after)
		if err != nil {
			return err
		}
		return printJSON(stdout, m)
	})
}

func runTokenCmd(args []string, stdout, stderr io.Writer) int {
	cmd := newFlagSet("token", stderr)
	operator := cmd.String("operator", "", "token subject (REQUIRED)")
	ttl := cmd.Duration("ttl", time.Hour, "token lifetime")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if *operator == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --operator is required")
		return 2
	}
	cfg, err := config.Load()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	v := auth.NewJWTValidator(cfg.JWTSecret, jwtIssuer)
	if v == nil {
		_, _ = fmt.Fprintln(stderr, "Error: JWT_SECRET is not set")
		return 1
	}
	token, err := v.Issue(*operator, *ttl)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintln(stdout, token)
	return 0
}
