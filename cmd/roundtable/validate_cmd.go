package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/roundtable-labs/roundtable/core/pkg/audit"
	"github.com/roundtable-labs/roundtable/core/pkg/audit/anchor"
	"github.com/roundtable-labs/roundtable/core/pkg/audit/objstore"
	"github.com/roundtable-labs/roundtable/core/pkg/config"
	"github.com/roundtable-labs/roundtable/core/pkg/costmodel"
	"github.com/roundtable-labs/roundtable/core/pkg/manifest"
	"github.com/roundtable-labs/roundtable/core/pkg/policy"
)

// runValidateCmd implements `roundtable validate`: a one-shot policy check of
// an action context read from a JSON file (or flags), with the verdict
// written to the audit chain like any other governed action.
//
// Exit codes:
//
//	0 = approved
//	1 = blocked or approval required
//	2 = runtime error
func runValidateCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("validate", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		actionFile string
		actor      string
		actionType string
		region     string
		jsonOutput bool
	)
	cmd.StringVar(&actionFile, "action", "", "Path to an ActionContext JSON file")
	cmd.StringVar(&actor, "actor", "", "Actor id (when no --action file)")
	cmd.StringVar(&actionType, "type", "manual.check", "Action type (when no --action file)")
	cmd.StringVar(&region, "jurisdiction", "", "Jurisdiction (when no --action file)")
	cmd.BoolVar(&jsonOutput, "json", false, "Output the validation result as JSON")

	if err := cmd.Parse(args); err != nil {
		return 2
	}

	actx := &policy.ActionContext{CreatedAt: time.Now().UTC()}
	if actionFile != "" {
		raw, err := os.ReadFile(actionFile)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: read action: %v\n", err)
			return 2
		}
		if err := json.Unmarshal(raw, actx); err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: parse action: %v\n", err)
			return 2
		}
	} else {
		actx.ActorID = actor
		actx.ActionType = actionType
		actx.Jurisdiction = region
	}

	cfg := config.Load()
	engine, _, cleanup, err := buildPolicyEngine(cfg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer cleanup()

	result, verr := engine.Validate(context.Background(), actx)

	if jsonOutput {
		data, _ := json.MarshalIndent(result, "", "  ")
		_, _ = fmt.Fprintln(stdout, string(data))
	} else {
		_, _ = fmt.Fprintf(stdout, "status: %s (audit_id=%s)\n", result.Status, result.AuditID)
		for _, v := range result.Violations {
			_, _ = fmt.Fprintf(stdout, "  violation %s [%s]: %s\n", v.LawID, v.Level, v.Message)
		}
		if result.TicketID != "" {
			_, _ = fmt.Fprintf(stdout, "  approval ticket: %s\n", result.TicketID)
		}
	}

	if verr != nil {
		var approval *policy.ApprovalRequiredError
		var violation *policy.PolicyViolationError
		var energy *policy.EnergyBudgetExceededError
		if errors.As(verr, &approval) || errors.As(verr, &violation) || errors.As(verr, &energy) {
			return 1
		}
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", verr)
		return 2
	}
	return 0
}

// buildPolicyEngine assembles the manifest, cost model, audit chain, and
// policy engine from process configuration. Integrity failures abort with
// the failing check named.
func buildPolicyEngine(cfg *config.Config, opts ...policy.EngineOption) (*policy.Engine, *audit.Chain, func(), error) {
	pub, err := loadPublicKey(cfg.PublicKeyPath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("manifest key: %w", err)
	}
	m, err := manifest.Load(cfg.ManifestPath, pub)
	if err != nil {
		return nil, nil, nil, err
	}
	if cfg.EnergyMode != "" {
		m.Energy.Enforcement = manifest.EnergyMode(cfg.EnergyMode)
	}

	table, err := costmodel.LoadFile(cfg.CostModelPath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("cost model: %w", err)
	}

	store, err := audit.NewFileStore(cfg.AuditDir)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("audit store: %w", err)
	}
	chainOpts := []audit.ChainOption{audit.WithMaxSegmentBytes(cfg.MaxSegmentBytes)}
	switch {
	case cfg.RedisAddr != "":
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		chainOpts = append(chainOpts, audit.WithAnchorer(anchor.NewRedisAnchorer(client, "")))
	case cfg.AnchorDir != "":
		fa, err := anchor.NewFileAnchorer(cfg.AnchorDir)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("anchor dir: %w", err)
		}
		chainOpts = append(chainOpts, audit.WithAnchorer(fa))
	}
	switch {
	case cfg.S3Bucket != "":
		arch, err := objstore.NewS3Archiver(context.Background(), cfg.S3Bucket, cfg.ArchivePrefix)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("s3 archive: %w", err)
		}
		chainOpts = append(chainOpts, audit.WithArchiver(arch))
	case cfg.GCSBucket != "":
		arch, err := objstore.NewGCSArchiver(context.Background(), cfg.GCSBucket, cfg.ArchivePrefix)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("gcs archive: %w", err)
		}
		chainOpts = append(chainOpts, audit.WithArchiver(arch))
	}

	chainID := "chain-" + time.Now().UTC().Format("2006-01-02")
	chain, err := audit.NewChain(context.Background(), store, chainID, chainOpts...)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("audit chain: %w", err)
	}

	engine, err := policy.NewEngine(m, table, chain, opts...)
	if err != nil {
		_ = chain.Close(context.Background())
		return nil, nil, nil, err
	}

	cleanup := func() { _ = chain.Close(context.Background()) }
	return engine, chain, cleanup, nil
}
