package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
type PgFTS struct {
	db *sql.DB
}

func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true: if Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search queries the pads table with plainto_tsquery over the generated fts
// column, ranked by ts_rank with ts_headline snippets.
func (p *PgFTS) Search(q Query) ([]Result, int, error) {
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

	where := "fts @@ plainto_tsquery('english', $1)"
	if q.PublishedOnly {
		where += " AND published"
	}

	ctx := context.Background()

	var total int
	countSQL := "SELECT count(*) FROM pads WHERE " + where
	if err := p.db.QueryRowContext(ctx, countSQL, q.Text).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	dataSQL := fmt.Sprintf(`
		SELECT id, name,
			ts_headline('english', abstract, plainto_tsquery('english', $1), 'MaxFragments=1,MaxWords=30') AS snippet,
			published
		FROM pads
		WHERE %s
		ORDER BY ts_rank(fts, plainto_tsquery('english', $1)) DESC
		LIMIT %d OFFSET %d`, where, limit, offset)

	rows, err := p.db.QueryContext(ctx, dataSQL, q.Text)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.ID, &r.Name, &r.Snippet, &r.Published); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		results = append(results, r)
	}
	return results, total, rows.Err()
}

// LoadAllRecords returns every pad for full reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]PadRecord, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id, name, abstract, published FROM pads`)
	if err != nil {
		return nil, fmt.Errorf("load pads: %w", err)
	}
	defer rows.Close()

	records := make([]PadRecord, 0)
	for rows.Next() {
		var rec PadRecord
		if err := rows.Scan(&rec.ID, &rec.Name, &rec.Abstract, &rec.Published); err != nil {
			return nil, fmt.Errorf("scan pad record: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pads: %w", err)
	}
	return records, nil
}
