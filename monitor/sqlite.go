package monitor

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteSink stores every logged metric in a SQLite database, one row per
// run, epoch and metric name. Runs are told apart by a generated ID.
type SQLiteSink struct {
	db    *sql.DB
	runID string
}

// NewSQLiteSink opens (or creates) the database at path and registers a new
// run named name. config is stored with the run as JSON and may be nil.
func NewSQLiteSink(path, name string, config interface{}) (*SQLiteSink, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open metrics database: %w", err)
	}
	// A single connection serialises writers and keeps in-memory databases
	// alive for the sink's lifetime.
	db.SetMaxOpenConns(1)

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS runs(
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			started REAL NOT NULL,
			config TEXT
		)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create runs table: %w", err)
	}
	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS metrics(
			run_id TEXT NOT NULL REFERENCES runs(id),
			epoch INTEGER NOT NULL,
			name TEXT NOT NULL,
			value REAL NOT NULL,
			PRIMARY KEY (run_id, epoch, name)
		)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create metrics table: %w", err)
	}

	var configJSON []byte
	if config != nil {
		if configJSON, err = json.Marshal(config); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to encode run config: %w", err)
		}
	}
	s := &SQLiteSink{db: db, runID: uuid.New().String()}
	_, err = db.Exec("INSERT INTO runs(id, name, started, config) VALUES(?,?,?,?)",
		s.runID, name, float64(time.Now().UnixMilli())/1000.0, string(configJSON))
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to register run: %w", err)
	}
	return s, nil
}

// RunID identifies this sink's run in the database.
func (s *SQLiteSink) RunID() string { return s.runID }

func (s *SQLiteSink) Log(epoch int, metrics map[string]float64) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin metrics transaction: %w", err)
	}
	for _, name := range sortedKeys(metrics) {
		_, err := tx.Exec("INSERT OR REPLACE INTO metrics(run_id, epoch, name, value) VALUES(?,?,?,?)",
			s.runID, epoch, name, metrics[name])
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to store %s: %w", name, err)
		}
	}
	return tx.Commit()
}

// History returns the logged points of this run in epoch order.
func (s *SQLiteSink) History() ([]Point, error) {
	rows, err := s.db.Query("SELECT epoch, name, value FROM metrics WHERE run_id = ? ORDER BY epoch, name", s.runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query metrics: %w", err)
	}
	defer rows.Close()

	var out []Point
	for rows.Next() {
		var (
			epoch int
			name  string
			value float64
		)
		if err := rows.Scan(&epoch, &name, &value); err != nil {
			return nil, err
		}
		if len(out) == 0 || out[len(out)-1].Epoch != epoch {
			out = append(out, Point{Epoch: epoch, Metrics: make(map[string]float64)})
		}
		out[len(out)-1].Metrics[name] = value
	}
	return out, rows.Err()
}

func (s *SQLiteSink) Close() error { return s.db.Close() }
