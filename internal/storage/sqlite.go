package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "sessionsms/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// sqliteTimeFormat is fixed width so that text ordering matches time ordering.
const sqliteTimeFormat = "2006-01-02T15:04:05.000000000Z07:00"

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	log.Debug("sqlite store opened", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) AppendDispatch(ctx context.Context, r DispatchRecord) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	r = normalize(r)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dispatch(id, at, trigger_kind, session_id, server, outcome, reason, status_code, took_ms)
		 VALUES(?,?,?,?,?,?,?,?,?)`,
		r.ID, r.At.UTC().Format(sqliteTimeFormat), r.Trigger, nullStr(r.SessionID), nullStr(r.Server),
		r.Outcome, nullStr(r.Reason), r.StatusCode, r.TookMS,
	)
	return err
}

func (s *sqliteStore) RecentDispatches(ctx context.Context, n int) ([]DispatchRecord, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	if n <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, at, trigger_kind, session_id, server, outcome, reason, status_code, took_ms
		 FROM dispatch ORDER BY at DESC, rowid DESC LIMIT ?`, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DispatchRecord
	for rows.Next() {
		var (
			r                      DispatchRecord
			at                     string
			sessionID, srv, reason sql.NullString
		)
		if err := rows.Scan(&r.ID, &at, &r.Trigger, &sessionID, &srv, &r.Outcome, &reason, &r.StatusCode, &r.TookMS); err != nil {
			return nil, err
		}
		r.At, err = time.Parse(sqliteTimeFormat, at)
		if err != nil {
			return nil, fmt.Errorf("dispatch %s: bad timestamp %q: %w", r.ID, at, err)
		}
		r.SessionID, r.Server, r.Reason = sessionID.String, srv.String, reason.String
		out = append(out, r)
	}
	return out, rows.Err()
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
