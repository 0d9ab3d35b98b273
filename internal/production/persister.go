// Package production provides production integrations: persistence, event
// publishing, visualization — implementing the qtscxml.Persister/
// EventPublisher/Visualizer seams the facade accepts via WithPersister/
// WithPublisher/WithVisualizer.
package production

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
	"gopkg.in/yaml.v3"

	qtscxml "github.com/hulaishun/qtscxml"
)

// JSONPersister is a file-based persister using JSON serialization.
// Grounded on the teacher's identically-named JSONPersister, retargeted
// from core.MachineSnapshot onto qtscxml.SessionSnapshot.
type JSONPersister struct {
	dir string
}

func NewJSONPersister(dir string) (*JSONPersister, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir %s: %w", dir, err)
	}
	return &JSONPersister{dir: dir}, nil
}

func (p *JSONPersister) Save(ctx context.Context, snapshot qtscxml.SessionSnapshot) error {
	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return fmt.Errorf("json marshal: %w", err)
	}
	fn := filepath.Join(p.dir, snapshot.SessionId+".json")
	if err := os.WriteFile(fn, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", fn, err)
	}
	return nil
}

func (p *JSONPersister) Load(ctx context.Context, sessionId string) (qtscxml.SessionSnapshot, error) {
	fn := filepath.Join(p.dir, sessionId+".json")
	data, err := os.ReadFile(fn)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return qtscxml.SessionSnapshot{}, fmt.Errorf("session %q: %w", sessionId, os.ErrNotExist)
		}
		return qtscxml.SessionSnapshot{}, fmt.Errorf("read %s: %w", fn, err)
	}
	var snapshot qtscxml.SessionSnapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return qtscxml.SessionSnapshot{}, fmt.Errorf("json unmarshal: %w", err)
	}
	snapshot.SessionId = sessionId
	return snapshot, nil
}

// YAMLPersister is a file-based persister using YAML serialization.
// Grounded on the teacher's YAMLPersister, using the teacher's own
// gopkg.in/yaml.v3 dependency.
type YAMLPersister struct {
	dir string
}

func NewYAMLPersister(dir string) (*YAMLPersister, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir %s: %w", dir, err)
	}
	return &YAMLPersister{dir: dir}, nil
}

func (p *YAMLPersister) Save(ctx context.Context, snapshot qtscxml.SessionSnapshot) error {
	data, err := yaml.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("yaml marshal: %w", err)
	}
	fn := filepath.Join(p.dir, snapshot.SessionId+".yaml")
	if err := os.WriteFile(fn, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", fn, err)
	}
	return nil
}

func (p *YAMLPersister) Load(ctx context.Context, sessionId string) (qtscxml.SessionSnapshot, error) {
	fn := filepath.Join(p.dir, sessionId+".yaml")
	data, err := os.ReadFile(fn)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return qtscxml.SessionSnapshot{}, fmt.Errorf("session %q: %w", sessionId, os.ErrNotExist)
		}
		return qtscxml.SessionSnapshot{}, fmt.Errorf("read %s: %w", fn, err)
	}
	var snapshot qtscxml.SessionSnapshot
	if err := yaml.Unmarshal(data, &snapshot); err != nil {
		return qtscxml.SessionSnapshot{}, fmt.Errorf("yaml unmarshal: %w", err)
	}
	snapshot.SessionId = sessionId
	return snapshot, nil
}

// SQLitePersister stores snapshots as rows in a SQLite table, via
// github.com/mattn/go-sqlite3 (sourced from agentflare-ai-agentml-go in the
// retrieval pack). [DOMAIN]: gives the production package a real embedded
// database option alongside the teacher's flat-file persisters.
type SQLitePersister struct {
	db *sql.DB
}

func NewSQLitePersister(path string) (*SQLitePersister, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3 %s: %w", path, err)
	}
	const ddl = `CREATE TABLE IF NOT EXISTS session_snapshots (
		session_id TEXT PRIMARY KEY,
		active TEXT NOT NULL,
		data TEXT NOT NULL
	)`
	if _, err := db.Exec(ddl); err != nil {
		db.Close()
		return nil, fmt.Errorf("create table: %w", err)
	}
	return &SQLitePersister{db: db}, nil
}

func (p *SQLitePersister) Save(ctx context.Context, snapshot qtscxml.SessionSnapshot) error {
	active, err := json.Marshal(snapshot.Active)
	if err != nil {
		return fmt.Errorf("marshal active: %w", err)
	}
	data, err := json.Marshal(snapshot.Data)
	if err != nil {
		return fmt.Errorf("marshal data: %w", err)
	}
	_, err = p.db.ExecContext(ctx,
		`INSERT INTO session_snapshots (session_id, active, data) VALUES (?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET active=excluded.active, data=excluded.data`,
		snapshot.SessionId, string(active), string(data))
	if err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}
	return nil
}

func (p *SQLitePersister) Load(ctx context.Context, sessionId string) (qtscxml.SessionSnapshot, error) {
	row := p.db.QueryRowContext(ctx, `SELECT active, data FROM session_snapshots WHERE session_id = ?`, sessionId)
	var activeJSON, dataJSON string
	if err := row.Scan(&activeJSON, &dataJSON); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return qtscxml.SessionSnapshot{}, fmt.Errorf("session %q: %w", sessionId, sql.ErrNoRows)
		}
		return qtscxml.SessionSnapshot{}, fmt.Errorf("query snapshot: %w", err)
	}
	snapshot := qtscxml.SessionSnapshot{SessionId: sessionId}
	if err := json.Unmarshal([]byte(activeJSON), &snapshot.Active); err != nil {
		return qtscxml.SessionSnapshot{}, fmt.Errorf("unmarshal active: %w", err)
	}
	if err := json.Unmarshal([]byte(dataJSON), &snapshot.Data); err != nil {
		return qtscxml.SessionSnapshot{}, fmt.Errorf("unmarshal data: %w", err)
	}
	return snapshot, nil
}

func (p *SQLitePersister) Close() error {
	return p.db.Close()
}
