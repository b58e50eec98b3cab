package results

import (
	"database/sql"
	"fmt"
	"time"

	// pure Go SQLite driver
	_ "modernc.org/sqlite"
)

// SQLiteRecorder stores scalars in a "scalars" table so runs can be compared
// with plain SQL.
type SQLiteRecorder struct {
	db     *sql.DB
	insert *sql.Stmt
}

func NewSQLiteRecorder(path string) (*SQLiteRecorder, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf("%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}
	db.SetMaxOpenConns(1)

	schema := `
		CREATE TABLE IF NOT EXISTS scalars (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			round INTEGER NOT NULL,
			tag TEXT NOT NULL,
			value REAL NOT NULL,
			recorded_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_scalars_tag_round ON scalars(tag, round);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	insert, err := db.Prepare(`INSERT INTO scalars (round, tag, value, recorded_at) VALUES (?, ?, ?, ?)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to prepare statements: %w", err)
	}

	return &SQLiteRecorder{db: db, insert: insert}, nil
}

func (r *SQLiteRecorder) AddScalar(tag string, value float64, round int) error {
	if _, err := r.insert.Exec(round, tag, value, time.Now().UnixNano()); err != nil {
		return fmt.Errorf("failed to insert scalar %s: %w", tag, err)
	}
	return nil
}

// Scalars returns every row recorded under tag, ordered by round.
func (r *SQLiteRecorder) Scalars(tag string) ([]Scalar, error) {
	rows, err := r.db.Query(`SELECT round, tag, value FROM scalars WHERE tag = ? ORDER BY round, id`, tag)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var scalars []Scalar
	for rows.Next() {
		var s Scalar
		if err := rows.Scan(&s.Round, &s.Tag, &s.Value); err != nil {
			return nil, err
		}
		scalars = append(scalars, s)
	}
	return scalars, rows.Err()
}

func (r *SQLiteRecorder) Close() error {
	r.insert.Close()
	return r.db.Close()
}
