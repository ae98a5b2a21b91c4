package store

import (
	"context"
	"fmt"
	"time"

	"github.com/punchamoorthee/pointsledger/internal/domain"
)

// Append writes one audit entry. Existing entries are never updated.
func (s *Store) Append(ctx context.Context, e domain.AuditLogEntry) (int64, error) {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	details := e.Details
	if details == nil {
		details = map[string]any{}
	}

	var id int64
	err := s.Db.QueryRow(ctx,
		`INSERT INTO audit_log (user_id, who, what, origin, how, details, request_id, session_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 RETURNING id`,
		e.UserID, e.Who, e.What, e.Where, e.How, details, e.RequestID, e.SessionID, e.CreatedAt,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("audit insert failed: %w", err)
	}
	return id, nil
}

// AuditByRequest returns the entries correlated with requestID, oldest first.
func (s *Store) AuditByRequest(ctx context.Context, requestID string) ([]domain.AuditLogEntry, error) {
	rows, err := s.Db.Query(ctx,
		`SELECT id, user_id, who, what, origin, how, details, request_id, session_id, created_at
		 FROM audit_log WHERE request_id = $1 ORDER BY id`,
		requestID)
	if err != nil {
		return nil, fmt.Errorf("audit query failed: %w", err)
	}
	defer rows.Close()

	var entries []domain.AuditLogEntry
	for rows.Next() {
		var e domain.AuditLogEntry
		if err := rows.Scan(&e.ID, &e.UserID, &e.Who, &e.What, &e.Where, &e.How, &e.Details, &e.RequestID, &e.SessionID, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("audit scan failed: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// PurgeAuditBefore deletes entries created before cutoff in batches. It is
// only invoked by the scheduled retention job.
func (s *Store) PurgeAuditBefore(ctx context.Context, cutoff time.Time, batchSize int) (int64, error) {
	var total int64
	for {
		tag, err := s.Db.Exec(ctx,
			`DELETE FROM audit_log WHERE id IN (
			   SELECT id FROM audit_log WHERE created_at < $1 ORDER BY id LIMIT $2
			 )`,
			cutoff, batchSize)
		if err != nil {
			return total, fmt.Errorf("audit purge failed: %w", err)
		}
		total += tag.RowsAffected()
		if tag.RowsAffected() < int64(batchSize) {
			return total, nil
		}
	}
}
