package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// Workspace layout: <workspace>/.smartop/smartop.db
const (
	stateDir = ".smartop"
	dbFile   = "smartop.db"
)

type Config struct {
	Workspace string
	// File overrides the default location under the workspace.
	File string
}

// FileOrDefault returns the database file Open will use.
func (c Config) FileOrDefault() string {
	if c.File != "" {
		return c.File
	}
	return Path(c.Workspace)
}

// Path returns the default database file of a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, stateDir, dbFile)
}

// EnsureWorkspace creates the workspace state directory and returns it.
func EnsureWorkspace(workspace string) (string, error) {
	dir := filepath.Dir(Path(workspace))
	return dir, os.MkdirAll(dir, 0o755)
}

// Open opens the SQLite database with foreign keys on. A single connection
// serializes writers; optimistic version checks still decide who wins.
func Open(cfg Config) (*sql.DB, error) {
	file := cfg.FileOrDefault()
	if err := os.MkdirAll(filepath.Dir(file), 0o755); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)", file)
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", file, err)
	}
	conn.SetMaxOpenConns(1)
	return conn, nil
}
