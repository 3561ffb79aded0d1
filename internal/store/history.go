package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/safar/go-bookstore/internal/models"
)

// RecordSearch appends to the audit log. Append-only: nothing updates or
// deletes these rows.
func RecordSearch(ctx context.Context, db *sql.DB, userID int64, query string) (*models.SearchHistory, error) {
	entry := &models.SearchHistory{}

	err := db.QueryRowContext(ctx,
		`INSERT INTO search_history (user_id, query, searched_at)
		 VALUES ($1, $2, NOW())
		 RETURNING id, user_id, query, searched_at`,
		userID, query).Scan(
		&entry.ID,
		&entry.UserID,
		&entry.Query,
		&entry.SearchedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("record search: %w", err)
	}

	return entry, nil
}

func ListSearchHistory(ctx context.Context, db *sql.DB, userID int64, page, pageSize int) (*OffsetPage, error) {
	var total int64
	err := db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM search_history WHERE user_id = $1", userID).Scan(&total)
	if err != nil {
		return nil, fmt.Errorf("count search history: %w", err)
	}

	offset := (page - 1) * pageSize
	query := `
		SELECT id, user_id, query, searched_at
		FROM search_history
		WHERE user_id = $1
		ORDER BY searched_at DESC, id DESC
		LIMIT $2 OFFSET $3`

	rows, err := db.QueryContext(ctx, query, userID, pageSize, offset)
	if err != nil {
		return nil, fmt.Errorf("list search history: %w", err)
	}
	defer rows.Close()

	var entries []models.SearchHistory
	for rows.Next() {
		var entry models.SearchHistory
		err := rows.Scan(&entry.ID, &entry.UserID, &entry.Query, &entry.SearchedAt)
		if err != nil {
			return nil, fmt.Errorf("scan search history: %w", err)
		}
		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	totalPages := int(total) / pageSize
	if int(total)%pageSize > 0 {
		totalPages++
	}

	return &OffsetPage{
		Items:      entries,
		Total:      total,
		Page:       page,
		PageSize:   pageSize,
		TotalPages: totalPages,
	}, nil
}
