package search

import (
	"database/sql"
	"fmt"
	"strings"
)

// PgSearch implements Searcher with a plain ILIKE scan over the tweets table
// as a fallback. The corpus is thousands of short texts, not millions, so a
// sequential scan is acceptable when Meilisearch is down.
type PgSearch struct {
	db *sql.DB
}

// NewPgSearch creates a PostgreSQL-backed searcher.
func NewPgSearch(db *sql.DB) *PgSearch {
	return &PgSearch{db: db}
}

// Healthy always returns true - if Postgres is down, the whole app is down.
func (p *PgSearch) Healthy() bool {
	return true
}

// Search matches the query as a case-insensitive substring of the tweet body.
func (p *PgSearch) Search(q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	pattern := "%" + q.Text + "%"

	var total int
	if err := p.db.QueryRow(`SELECT COUNT(*) FROM tweets WHERE body ILIKE $1`, pattern).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count search matches: %w", err)
	}

	rows, err := p.db.Query(`
		SELECT id, body, COALESCE(final_label, '')
		FROM tweets
		WHERE body ILIKE $1
		ORDER BY id ASC
		LIMIT $2 OFFSET $3
	`, pattern, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("search tweets: %w", err)
	}
	defer rows.Close()

	results := make([]Result, 0)
	for rows.Next() {
		var item Result
		if err := rows.Scan(&item.ID, &item.Text, &item.FinalLabel); err != nil {
			return nil, 0, fmt.Errorf("scan search match: %w", err)
		}
		results = append(results, item)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate search matches: %w", err)
	}
	return results, total, nil
}
