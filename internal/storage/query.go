package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/xaenox/whoop-insight-bot/internal/models"
	"go.uber.org/zap"
)

// Query runs a generated statement and returns its rows. A statement that
// cannot be executed yields a *QueryError, which matches ErrQueryFailed. A
// statement that matches nothing yields an empty table and no error.
func (s *SQLStore) Query(ctx context.Context, statement string) (*models.Table, error) {
	if s.queryTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.queryTimeout)
		defer cancel()
	}

	// SQLite has no read-only transactions; the caller validates the
	// statement before it gets here.
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: s.driver == DriverPostgres})
	if err != nil {
		return nil, &QueryError{Statement: statement, Err: err}
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, statement)
	if err != nil {
		s.logger.Warn("Query failed", zap.String("statement", statement), zap.Error(err))
		return nil, &QueryError{Statement: statement, Err: err}
	}
	defer rows.Close()

	table, err := scanTable(rows)
	if err != nil {
		return nil, &QueryError{Statement: statement, Err: err}
	}

	s.logger.Debug("Query executed",
		zap.String("statement", statement),
		zap.Int("rows", len(table.Rows)))

	return table, nil
}

func scanTable(rows *sql.Rows) (*models.Table, error) {
	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("error reading columns: %w", err)
	}

	table := &models.Table{Columns: columns, Rows: [][]any{}}
	for rows.Next() {
		values := make([]any, len(columns))
		dest := make([]any, len(columns))
		for i := range values {
			dest[i] = &values[i]
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("error scanning row: %w", err)
		}
		for i, v := range values {
			// Drivers hand back text and NUMERIC columns as raw bytes.
			if b, ok := v.([]byte); ok {
				values[i] = string(b)
			}
		}
		table.Rows = append(table.Rows, values)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return table, nil
}
