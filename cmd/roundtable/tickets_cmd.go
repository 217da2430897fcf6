package main

import (
	"context"
	"flag"
	"fmt"
	"io"

	"github.com/roundtable-labs/roundtable/core/pkg/config"
	"github.com/roundtable-labs/roundtable/core/pkg/hitl"
)

// runTicketsCmd implements `roundtable tickets`: operator tooling for the
// approval queue.
//
//	roundtable tickets list
//	roundtable tickets resolve --id <ticket> --decision approved|rejected --by <who> [--rationale ...]
//
// Exit codes:
//
//	0 = success
//	1 = ticket not found or resolution refused
//	2 = runtime error
func runTicketsCmd(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		_, _ = fmt.Fprintln(stderr, "Usage: roundtable tickets <list|resolve> [flags]")
		return 2
	}

	ctx := context.Background()
	cfg := config.Load()
	if cfg.DatabaseURL == "" {
		_, _ = fmt.Fprintln(stderr, "Error: tickets require a persistent store; set DATABASE_URL")
		return 2
	}
	manager, closeTickets, err := openTicketManager(ctx, cfg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: ticket store: %v\n", err)
		return 2
	}
	defer closeTickets()

	switch args[0] {
	case "list":
		tickets, err := manager.ListPending(ctx)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
		if len(tickets) == 0 {
			_, _ = fmt.Fprintln(stdout, "no pending tickets")
			return 0
		}
		for _, t := range tickets {
			_, _ = fmt.Fprintf(stdout, "%s  audit_id=%s  expires=%s\n",
				t.ID, t.AuditID, t.ExpiresAt.Format("2006-01-02T15:04:05Z"))
			for _, a := range t.RequiredApprovals {
				_, _ = fmt.Fprintf(stdout, "    needs %s: %s\n", a.Role, a.Reason)
			}
		}
		return 0

	case "resolve":
		cmd := flag.NewFlagSet("tickets resolve", flag.ContinueOnError)
		cmd.SetOutput(stderr)
		var (
			id        string
			decision  string
			by        string
			rationale string
		)
		cmd.StringVar(&id, "id", "", "Ticket id (REQUIRED)")
		cmd.StringVar(&decision, "decision", "", "approved or rejected (REQUIRED)")
		cmd.StringVar(&by, "by", "", "Resolver identity (REQUIRED)")
		cmd.StringVar(&rationale, "rationale", "", "Decision rationale")
		if err := cmd.Parse(args[1:]); err != nil {
			return 2
		}
		if id == "" || by == "" || (decision != string(hitl.StatusApproved) && decision != string(hitl.StatusRejected)) {
			_, _ = fmt.Fprintln(stderr, "Error: --id, --by, and --decision approved|rejected are required")
			return 2
		}

		t, err := manager.Resolve(ctx, id, hitl.Status(decision), rationale, by)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		_, _ = fmt.Fprintf(stdout, "ticket %s: %s (by %s)\n", t.ID, t.Status, t.ResolvedBy)
		return 0

	default:
		_, _ = fmt.Fprintf(stderr, "Unknown tickets subcommand: %s\n", args[0])
		return 2
	}
}
