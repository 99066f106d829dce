package history

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/kifulab/usibridge/internal/log"
	"github.com/kifulab/usibridge/internal/usi"
)

const defaultListLimit = 50

const schema = `
CREATE TABLE IF NOT EXISTS analyses (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	guid TEXT NOT NULL UNIQUE,
	position TEXT NOT NULL,
	moves TEXT NOT NULL DEFAULT '',
	waittime INTEGER,
	depth INTEGER,
	nodes INTEGER,
	result TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_analyses_position ON analyses(position);
CREATE INDEX IF NOT EXISTS idx_analyses_created_at ON analyses(created_at);
`

// recordColumns is the list of columns to select for record queries.
const recordColumns = `id, guid, position, moves, waittime, depth, nodes, result, created_at`

// sqliteRepository implements Repository using SQLite.
type sqliteRepository struct {
	db *sql.DB
}

var _ Repository = (*sqliteRepository)(nil)

// Open connects to the history database at path, creating the parent
// directory when missing, and bootstraps the schema.
func Open(path string) (Repository, error) {
	log.Debug(log.CatHistory, "opening history database", "path", path)
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("creating history directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("opening history database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging history database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("bootstrapping history schema: %w", err)
	}
	log.Info(log.CatHistory, "history database ready", "path", path)
	return &sqliteRepository{db: db}, nil
}

func (r *sqliteRepository) Close() error {
	return r.db.Close()
}

// Save inserts the record, assigning its ID, GUID and creation time
// when unset.
func (r *sqliteRepository) Save(record *Record) error {
	if record.GUID == "" {
		record.GUID = uuid.NewString()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now()
	}
	resultJSON, err := json.Marshal(record.Result)
	if err != nil {
		return fmt.Errorf("encoding analysis result: %w", err)
	}

	result, err := r.db.Exec(
		`INSERT INTO analyses (guid, position, moves, waittime, depth, nodes, result, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		record.GUID, record.Position, record.Moves,
		record.Waittime, record.Depth, record.Nodes,
		string(resultJSON), record.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("inserting analysis record: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("reading last insert id: %w", err)
	}
	record.ID = id
	return nil
}

// FindByGUID retrieves one record. Returns NotFoundError when absent.
func (r *sqliteRepository) FindByGUID(guid string) (*Record, error) {
	row := r.db.QueryRow(
		`SELECT `+recordColumns+` FROM analyses WHERE guid = ?`, guid,
	)
	record, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &NotFoundError{GUID: guid}
	}
	if err != nil {
		return nil, fmt.Errorf("finding analysis record: %w", err)
	}
	return record, nil
}

// List retrieves records matching the filter, newest first.
func (r *sqliteRepository) List(filter ListFilter) ([]*Record, error) {
	query := `SELECT ` + recordColumns + ` FROM analyses`
	args := []any{}
	if filter.Position != "" {
		query += ` WHERE position = ?`
		args = append(args, filter.Position)
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`
	args = append(args, limit, filter.Offset)

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing analysis records: %w", err)
	}
	defer rows.Close()

	records := []*Record{}
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning analysis record: %w", err)
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

// DeleteOlderThan removes records created before cutoff and reports how
// many were dropped.
func (r *sqliteRepository) DeleteOlderThan(cutoff time.Time) (int64, error) {
	result, err := r.db.Exec(
		`DELETE FROM analyses WHERE created_at < ?`, cutoff.Unix(),
	)
	if err != nil {
		return 0, fmt.Errorf("pruning analysis records: %w", err)
	}
	return result.RowsAffected()
}

// scanRecord scans a row into a Record.
func scanRecord(scanner interface{ Scan(...any) error }) (*Record, error) {
	var record Record
	var resultJSON string
	var createdAt int64
	err := scanner.Scan(
		&record.ID, &record.GUID, &record.Position, &record.Moves,
		&record.Waittime, &record.Depth, &record.Nodes,
		&resultJSON, &createdAt,
	)
	if err != nil {
		return nil, err
	}
	var parsed usi.AnalysisResult
	if err := json.Unmarshal([]byte(resultJSON), &parsed); err != nil {
		return nil, fmt.Errorf("decoding analysis result: %w", err)
	}
	record.Result = parsed
	record.CreatedAt = time.Unix(createdAt, 0)
	return &record, nil
}
