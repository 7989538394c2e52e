package metrics

import (
	"database/sql"
	"errors"
	"math"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// DBFile is the metrics database name inside an experiment directory.
const DBFile = "metrics.db"

var ErrNoData = errors.New("metrics: no data")

func DBPath(dir string) string { return filepath.Join(dir, DBFile) }

func openDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	stmts := []string{`
		CREATE TABLE IF NOT EXISTS runs(
			run_id TEXT PRIMARY KEY,
			experiment TEXT NOT NULL,
			started_at REAL NOT NULL
		)`, `
		CREATE TABLE IF NOT EXISTS scalars(
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			tag TEXT NOT NULL,
			epoch INTEGER NOT NULL,
			value REAL,
			ts REAL NOT NULL
		)`, `
		CREATE TABLE IF NOT EXISTS texts(
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			tag TEXT NOT NULL,
			epoch INTEGER NOT NULL,
			body TEXT NOT NULL,
			ts REAL NOT NULL
		)`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			db.Close()
			return nil, err
		}
	}
	return db, nil
}

func now() float64 { return float64(time.Now().UnixMilli()) / 1000.0 }

// SQLite appends scalars and texts for one process run to <dir>/metrics.db.
type SQLite struct {
	db    *sql.DB
	RunID string
}

// OpenSQLite opens (creating if needed) the database in dir and registers a new run.
func OpenSQLite(dir, experiment string) (*SQLite, error) {
	db, err := openDB(DBPath(dir))
	if err != nil {
		return nil, err
	}
	s := &SQLite{db: db, RunID: uuid.NewString()}
	if _, err := db.Exec("INSERT INTO runs(run_id, experiment, started_at) VALUES(?,?,?)", s.RunID, experiment, now()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Scalar stores value; SQLite turns NaN into NULL, which reads back as NaN.
func (s *SQLite) Scalar(tag string, value float64, epoch int) error {
	_, err := s.db.Exec("INSERT INTO scalars(run_id, tag, epoch, value, ts) VALUES(?,?,?,?,?)",
		s.RunID, tag, epoch, value, now())
	return err
}

func (s *SQLite) Text(tag, body string, epoch int) error {
	_, err := s.db.Exec("INSERT INTO texts(run_id, tag, epoch, body, ts) VALUES(?,?,?,?,?)",
		s.RunID, tag, epoch, body, now())
	return err
}

func (s *SQLite) Close() error { return s.db.Close() }

// Point is one scalar observation.
type Point struct {
	Epoch int
	Value float64
}

// Text is one stored text artifact.
type Text struct {
	Epoch int
	Body  string
}

// Run describes one process that wrote to the database.
type Run struct {
	ID         string
	Experiment string
	StartedAt  time.Time
}

// Reader queries a metrics database.
type Reader struct {
	db *sql.DB
}

func OpenReader(path string) (*Reader, error) {
	db, err := openDB(path)
	if err != nil {
		return nil, err
	}
	return &Reader{db: db}, nil
}

func (r *Reader) Close() error { return r.db.Close() }

// Scalars returns tag ordered by epoch. When an epoch was written by several runs
// (a resumed experiment), the most recent write wins.
func (r *Reader) Scalars(tag string) ([]Point, error) {
	rows, err := r.db.Query("SELECT epoch, value FROM scalars WHERE tag = ? ORDER BY epoch ASC, id ASC", tag)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Point
	for rows.Next() {
		var (
			epoch int
			v     sql.NullFloat64
		)
		if err := rows.Scan(&epoch, &v); err != nil {
			return nil, err
		}
		val := math.NaN()
		if v.Valid {
			val = v.Float64
		}
		if n := len(out); n > 0 && out[n-1].Epoch == epoch {
			out[n-1].Value = val
			continue
		}
		out = append(out, Point{Epoch: epoch, Value: val})
	}
	return out, rows.Err()
}

// LatestText returns the most recently written artifact for tag.
func (r *Reader) LatestText(tag string) (Text, error) {
	var t Text
	err := r.db.QueryRow("SELECT epoch, body FROM texts WHERE tag = ? ORDER BY id DESC LIMIT 1", tag).Scan(&t.Epoch, &t.Body)
	if errors.Is(err, sql.ErrNoRows) {
		return Text{}, ErrNoData
	}
	return t, err
}

// Runs lists runs oldest first.
func (r *Reader) Runs() ([]Run, error) {
	rows, err := r.db.Query("SELECT run_id, experiment, started_at FROM runs ORDER BY started_at ASC, rowid ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Run
	for rows.Next() {
		var (
			run Run
			ts  float64
		)
		if err := rows.Scan(&run.ID, &run.Experiment, &ts); err != nil {
			return nil, err
		}
		sec, frac := math.Modf(ts)
		run.StartedAt = time.Unix(int64(sec), int64(frac*1e9))
		out = append(out, run)
	}
	return out, rows.Err()
}
