// Command rehash-content-hashes recomputes content_hash for every amendment
// and verifies the safety audit log.
//
// Usage:
//
//	DATABASE_URL=postgres://... go run ./scripts/rehash-content-hashes [-dry-run]
//
// Amendments whose stored hash differs from the current algorithm are
// updated in place. Safety events cannot be updated (the table is
// append-only), so mismatched rows are only reported. The script prints the
// Merkle root over all safety event hashes so two runs can be compared.
//
// Running it twice is harmless: the second run reports 0 updates.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"github.com/cognalith/governor/internal/integrity"
	"github.com/cognalith/governor/internal/model"
)

func main() {
	dryRun := flag.Bool("dry-run", false, "report stale hashes without updating them")
	flag.Parse()
	if err := run(*dryRun); err != nil {
		log.Fatal(err)
	}
}

func run(dryRun bool) error {
	_ = godotenv.Load()

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer pool.Close()

	if err := rehashAmendments(ctx, pool, dryRun); err != nil {
		return err
	}
	return verifySafetyEvents(ctx, pool)
}

func rehashAmendments(ctx context.Context, pool *pgxpool.Pool, dryRun bool) error {
	rows, err := pool.Query(ctx,
		`SELECT id, agent_role, trigger_pattern, instruction_delta, amendment_type,
		        knowledge_mutation, version, content_hash
		 FROM amendments
		 ORDER BY created_at ASC`)
	if err != nil {
		return fmt.Errorf("query amendments: %w", err)
	}
	defer rows.Close()

	var stale []model.Amendment
	var total int
	for rows.Next() {
		var a model.Amendment
		var typ string
		if err := rows.Scan(&a.ID, &a.AgentRole, &a.TriggerPattern, &a.InstructionDelta, &typ,
			&a.Mutation, &a.Version, &a.ContentHash); err != nil {
			return fmt.Errorf("scan amendment: %w", err)
		}
		a.AmendmentType = model.AmendmentType(typ)
		total++
		if !integrity.VerifyAmendment(a) {
			stale = append(stale, a)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("rows: %w", err)
	}

	fmt.Printf("scanned %d amendments, %d have stale hashes\n", total, len(stale))
	if len(stale) == 0 || dryRun {
		return nil
	}

	updated := 0
	for _, a := range stale {
		tag, err := pool.Exec(ctx,
			`UPDATE amendments SET content_hash = $1 WHERE id = $2`,
			integrity.AmendmentHash(a), a.ID)
		if err != nil {
			log.Printf("update %s: %v", a.ID, err)
			continue
		}
		if tag.RowsAffected() > 0 {
			updated++
		}
	}

	fmt.Printf("updated %d/%d stale amendment hashes\n", updated, len(stale))
	return nil
}

func verifySafetyEvents(ctx context.Context, pool *pgxpool.Pool) error {
	rows, err := pool.Query(ctx,
		`SELECT id, agent_role, amendment_id, constraint_type, action, data, content_hash, created_at
		 FROM safety_events
		 ORDER BY created_at ASC, id`)
	if err != nil {
		return fmt.Errorf("query safety events: %w", err)
	}
	defer rows.Close()

	var leaves []string
	var mismatched []uuid.UUID
	for rows.Next() {
		var e model.SafetyEvent
		var constraint, action string
		if err := rows.Scan(&e.ID, &e.AgentRole, &e.AmendmentID, &constraint, &action,
			&e.Data, &e.ContentHash, &e.CreatedAt); err != nil {
			return fmt.Errorf("scan safety event: %w", err)
		}
		e.ConstraintType = model.ConstraintType(constraint)
		e.Action = model.SafetyAction(action)
		if !integrity.VerifySafetyEvent(e) {
			mismatched = append(mismatched, e.ID)
		}
		leaves = append(leaves, e.ContentHash)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("rows: %w", err)
	}

	sort.Strings(leaves)
	fmt.Printf("scanned %d safety events, %d fail verification\n", len(leaves), len(mismatched))
	for _, id := range mismatched {
		fmt.Printf("  mismatch: %s\n", id)
	}
	fmt.Printf("safety log merkle root: %s\n", integrity.BuildMerkleRoot(leaves))
	return nil
}
