package repository

import (
	"context"
	"database/sql"
	"fmt"

	"go.uber.org/zap"

	"github.com/quillhr/approvalflow/internal/application/port"
	"github.com/quillhr/approvalflow/internal/domain/entity"
)

// HistoryRepository implements port.HistoryRepository
type HistoryRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewHistoryRepository creates a new history repository
func NewHistoryRepository(db *sql.DB, logger *zap.Logger) port.HistoryRepository {
	return &HistoryRepository{
		db:     db,
		logger: logger,
	}
}

// Create appends an audit trail entry
func (r *HistoryRepository) Create(ctx context.Context, h *entity.HistoryEntry) error {
	result, err := executorFrom(ctx, r.db).ExecContext(ctx, `
		INSERT INTO approval_history (request_id, actor_id, action, stage, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		h.RequestID, h.ActorID, string(h.Action), string(h.Stage), h.Detail, h.CreatedAt,
	)
	if err != nil {
		r.logger.Error("Failed to create history entry", zap.Int64("request_id", h.RequestID), zap.Error(err))
		return fmt.Errorf("failed to create history entry: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}
	h.ID = id
	return nil
}

// GetByRequestID retrieves the audit trail for a request, oldest first
func (r *HistoryRepository) GetByRequestID(ctx context.Context, requestID int64) ([]*entity.HistoryEntry, error) {
	rows, err := executorFrom(ctx, r.db).QueryContext(ctx, `
		SELECT id, request_id, actor_id, action, stage, detail, created_at
		FROM approval_history
		WHERE request_id = ?
		ORDER BY created_at ASC, id ASC`, requestID)
	if err != nil {
		r.logger.Error("Failed to get history", zap.Int64("request_id", requestID), zap.Error(err))
		return nil, fmt.Errorf("failed to get history: %w", err)
	}
	defer rows.Close()

	var entries []*entity.HistoryEntry
	for rows.Next() {
		var h entity.HistoryEntry
		if err := rows.Scan(&h.ID, &h.RequestID, &h.ActorID, &h.Action, &h.Stage, &h.Detail, &h.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan history entry: %w", err)
		}
		entries = append(entries, &h)
	}
	return entries, rows.Err()
}

// Verify interface compliance
var _ port.HistoryRepository = (*HistoryRepository)(nil)
