// Command backfill-roles is a one-time job that converts legacy membership
// role labels into user role assignments. It is idempotent: pairs that
// already exist are skipped, so it can be re-run safely.
package main

import (
	"context"
	"database/sql"
	"flag"
	"log"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"tallyhq.io/internal/ids"
)

func main() {
	log.SetFlags(0)
	var (
		dsn    = flag.String("dsn", os.Getenv("TALLY_PG_DSN"), "PostgreSQL DSN")
		dryRun = flag.Bool("dry-run", false, "report what would be inserted without writing")
	)
	flag.Parse()

	if *dsn == "" {
		log.Fatal("missing DSN: provide via -dsn or TALLY_PG_DSN")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	db, err := sql.Open("pgx", *dsn)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer db.Close()

	inserted, skipped, err := backfill(ctx, db, *dryRun)
	if err != nil {
		log.Fatalf("backfill: %v", err)
	}
	log.Printf("backfill complete: %d assignments inserted, %d labels without a matching role", inserted, skipped)
}

// backfill maps each active membership's role_label onto a role with the
// same code and assigns that role to the member.
func backfill(ctx context.Context, db *sql.DB, dryRun bool) (inserted, skipped int, err error) {
	rows, err := db.QueryContext(ctx, `
		select distinct m.user_id, r.id
		from memberships m
		join roles r on r.code = lower(trim(m.role_label))
		where m.is_active and m.role_label is not null and m.role_label <> ''
	`)
	if err != nil {
		return 0, 0, err
	}
	defer rows.Close()

	type pair struct{ userID, roleID string }
	var pairs []pair
	for rows.Next() {
		var p pair
		if err := rows.Scan(&p.userID, &p.roleID); err != nil {
			return 0, 0, err
		}
		pairs = append(pairs, p)
	}
	if err := rows.Err(); err != nil {
		return 0, 0, err
	}

	// labels that match no role are left for manual review
	if err := db.QueryRowContext(ctx, `
		select count(distinct m.role_label)
		from memberships m
		left join roles r on r.code = lower(trim(m.role_label))
		where m.is_active and m.role_label is not null and m.role_label <> '' and r.id is null
	`).Scan(&skipped); err != nil {
		return 0, 0, err
	}

	if dryRun {
		log.Printf("dry run: %d assignments would be inserted", len(pairs))
		return 0, skipped, nil
	}

	now := time.Now().UTC()
	for _, p := range pairs {
		res, err := db.ExecContext(ctx, `
			insert into user_roles (id, user_id, role_id, assigned_at, is_active)
			values ($1, $2, $3, $4, true)
			on conflict (user_id, role_id) do nothing
		`, ids.New(), p.userID, p.roleID, now)
		if err != nil {
			return inserted, skipped, err
		}
		if aff, err := res.RowsAffected(); err == nil && aff > 0 {
			inserted++
		}
	}
	return inserted, skipped, nil
}
