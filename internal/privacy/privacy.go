// Package privacy implements opt-out tracking and per-user data deletion
// against Postgres, grounded on original_source's sb_common.privacy and
// the ingest-api /v1/opt-out and /v1/privacy/delete handlers.
package privacy

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// IsOptedOut reports whether (appUUID, anonUserID) has opted out of
// collection. Callers must check this before staging any event for the
// pair (spec.md §4.6, I6).
func IsOptedOut(ctx context.Context, pool *pgxpool.Pool, appUUID, anonUserID string) (bool, error) {
	var one int
	err := pool.QueryRow(ctx, `
		SELECT 1 FROM opt_out
		WHERE app_uuid = $1 AND anon_user_id = $2
		LIMIT 1
	`, appUUID, anonUserID).Scan(&one)
	if err == nil {
		return true, nil
	}
	if err == pgx.ErrNoRows {
		return false, nil
	}
	return false, fmt.Errorf("privacy: is opted out: %w", err)
}

// OptOut records an opt-out for (appUUID, anonUserID). Idempotent.
func OptOut(ctx context.Context, pool *pgxpool.Pool, appUUID, anonUserID string) error {
	_, err := pool.Exec(ctx, `
		INSERT INTO opt_out (app_uuid, anon_user_id)
		VALUES ($1, $2)
		ON CONFLICT (app_uuid, anon_user_id) DO NOTHING
	`, appUUID, anonUserID)
	if err != nil {
		return fmt.Errorf("privacy: opt out: %w", err)
	}
	return nil
}

// deleteTargets lists, in deletion order, every table holding
// user-identifying state. Broker messages already published are
// explicitly out of scope — see DeleteResult.Notes.
var deleteTargets = []string{
	"customer_360",
	"license_state",
	"user_hourly_presence",
	"device_hourly_presence",
	"raw_events",
}

// DeleteResult reports per-table row counts removed by DeleteUser.
type DeleteResult struct {
	AppUUID    string
	AnonUserID string
	Deleted    map[string]int64
	Notes      map[string]string
}

// DeleteUser erases every stored row for (appUUID, anonUserID) across the
// tables in deleteTargets, and optionally the opt_out row itself. It runs
// inside a single transaction so a failure partway through leaves no
// partial deletion (spec.md §4.6).
//
// Already-published broker messages are not retracted; DeleteResult.Notes
// says so explicitly, matching the original's privacy_delete_user.
func DeleteUser(ctx context.Context, pool *pgxpool.Pool, appUUID, anonUserID string, deleteOptOut bool) (*DeleteResult, error) {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("privacy: begin delete: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	result := &DeleteResult{
		AppUUID:    appUUID,
		AnonUserID: anonUserID,
		Deleted:    make(map[string]int64, len(deleteTargets)+1),
		Notes: map[string]string{
			"broker":  "published broker messages are append-only; historical deliveries are not retracted",
			"opt_out": "set delete_opt_out=true to remove the opt_out row; default keeps it so the user stays excluded",
		},
	}

	for _, table := range deleteTargets {
		tag, err := tx.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE app_uuid = $1 AND anon_user_id = $2`, table), appUUID, anonUserID)
		if err != nil {
			return nil, fmt.Errorf("privacy: delete from %s: %w", table, err)
		}
		result.Deleted[table] = tag.RowsAffected()
	}

	if deleteOptOut {
		tag, err := tx.Exec(ctx, `DELETE FROM opt_out WHERE app_uuid = $1 AND anon_user_id = $2`, appUUID, anonUserID)
		if err != nil {
			return nil, fmt.Errorf("privacy: delete opt_out: %w", err)
		}
		result.Deleted["opt_out"] = tag.RowsAffected()
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("privacy: commit delete: %w", err)
	}

	return result, nil
}
