package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"golang.org/x/time/rate"

	"github.com/roundtable-labs/roundtable/core/pkg/config"
	"github.com/roundtable-labs/roundtable/core/pkg/hitl"
	"github.com/roundtable-labs/roundtable/core/pkg/observability"
	"github.com/roundtable-labs/roundtable/core/pkg/policy"
	"github.com/roundtable-labs/roundtable/core/pkg/provider/openaicompat"
	"github.com/roundtable-labs/roundtable/core/pkg/provider/static"
	"github.com/roundtable-labs/roundtable/core/pkg/roundtable"
)

// runSessionCmd implements `roundtable run`: executes one consensus session
// described by a JSON session file, end to end through policy pre-check,
// dispatch, aggregation, post-check, and audit.
//
// Exit codes:
//
//	0 = session completed
//	1 = session blocked, denied, or below quorum
//	2 = runtime error
func runSessionCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("run", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		sessionFile string
		dryRun      bool
		dryAnswer   string
		jsonOutput  bool
	)
	cmd.StringVar(&sessionFile, "session", "", "Path to a Session JSON file (REQUIRED)")
	cmd.BoolVar(&dryRun, "dry-run", false, "Use a deterministic in-memory provider instead of real calls")
	cmd.StringVar(&dryAnswer, "dry-answer", "yes", "Answer every dry-run participant gives")
	cmd.BoolVar(&jsonOutput, "json", false, "Output the result as JSON")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if sessionFile == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --session is required")
		return 2
	}

	raw, err := os.ReadFile(sessionFile)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: read session: %v\n", err)
		return 2
	}
	var session roundtable.Session
	if err := json.Unmarshal(raw, &session); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: parse session: %v\n", err)
		return 2
	}
	ctx := context.Background()
	cfg := config.Load()
	if session.Timeout == 0 {
		session.Timeout = cfg.SessionTimeout
	}

	obs, err := observability.New(ctx, &observability.Config{
		ServiceName:  "roundtable-cli",
		OTLPEndpoint: cfg.OTLPEndpoint,
		Enabled:      cfg.OTelEnabled,
		Insecure:     true,
	})
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: observability: %v\n", err)
		return 2
	}
	defer func() { _ = obs.Shutdown(ctx) }()

	tickets, closeTickets, err := openTicketManager(ctx, cfg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: ticket store: %v\n", err)
		return 2
	}
	defer closeTickets()

	engine, chain, cleanup, err := buildPolicyEngine(cfg, policy.WithTicketIssuer(tickets))
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer cleanup()

	var invoker roundtable.Invoker
	if dryRun {
		invoker = static.New().Default(static.Answer{Text: dryAnswer, Confidence: 0.9})
	} else {
		invoker = openaicompat.NewClient(cfg.ProviderBaseURL, cfg.ProviderAPIKey)
	}

	rtOpts := []roundtable.Option{roundtable.WithTicketWaiter(tickets)}
	if cfg.ProviderRPS > 0 {
		rtOpts = append(rtOpts, roundtable.WithRateLimit(
			rate.NewLimiter(rate.Limit(cfg.ProviderRPS), cfg.ProviderRPS)))
	}
	rt := roundtable.NewEngine(engine, invoker, chain, rtOpts...)

	ctx, done := obs.TrackSession(ctx, session.ID)
	result, rerr := rt.Execute(ctx, &session)
	done(rerr)

	if jsonOutput {
		data, _ := json.MarshalIndent(result, "", "  ")
		_, _ = fmt.Fprintln(stdout, string(data))
	} else {
		_, _ = fmt.Fprintf(stdout, "session %s: %s\n", result.SessionID, result.State)
		if result.Decision != "" {
			_, _ = fmt.Fprintf(stdout, "  decision: %q (%s, dissent %d, audit_id=%s)\n",
				result.Decision, result.ConsensusStrength, result.DissentCount, result.AuditID)
		}
		for _, a := range result.Abstentions {
			_, _ = fmt.Fprintf(stdout, "  abstained: %s (%s)\n", a.ParticipantID, a.Reason)
		}
	}

	if rerr != nil {
		_, _ = fmt.Fprintf(stderr, "session did not complete: %v\n", rerr)
		return 1
	}
	return 0
}

// openTicketManager backs tickets with SQL when DATABASE_URL is set, memory
// otherwise.
func openTicketManager(ctx context.Context, cfg *config.Config) (*hitl.Manager, func(), error) {
	if cfg.DatabaseURL == "" {
		return hitl.NewManager(hitl.NewMemoryStore()), func() {}, nil
	}
	db, err := sql.Open(cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	store := hitl.NewSQLStore(db)
	if err := store.Init(ctx); err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	return hitl.NewManager(store), func() { _ = db.Close() }, nil
}
