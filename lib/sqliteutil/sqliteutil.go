package sqliteutil

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/tursodatabase/libsql-client-go/libsql"
	_ "modernc.org/sqlite"
)

func wrapOpenDB(err error) error {
	return fmt.Errorf("open db: %w", err)
}

// IsRemote reports whether dsn points at a libsql server rather than a
// local sqlite file.
func IsRemote(dsn string) bool {
	for _, scheme := range []string{"libsql://", "http://", "https://", "ws://", "wss://"} {
		if strings.HasPrefix(dsn, scheme) {
			return true
		}
	}
	return false
}

// OpenDB opens the database at dsn and applies schema to it. dsn is either
// a sqlite path (":memory:" included) or a libsql url, in which case the
// auth token may be passed as the authToken query parameter.
func OpenDB(schema, dsn string) (*sql.DB, error) {
	var (
		db  *sql.DB
		err error
	)
	if IsRemote(dsn) {
		db, err = sql.Open("libsql", dsn)
		if err != nil {
			return nil, wrapOpenDB(err)
		}
	} else {
		db, err = openLocal(dsn)
		if err != nil {
			return nil, err
		}
	}

	err = Migrate(db, schema)
	if err != nil {
		db.Close()
		return nil, wrapOpenDB(err)
	}
	return db, nil
}

func openLocal(path string) (*sql.DB, error) {
	if path != ":memory:" {
		err := os.MkdirAll(filepath.Dir(path), 0777)
		if err != nil {
			return nil, wrapOpenDB(err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, wrapOpenDB(err)
	}

	// see this stackoverflow post for information on why the following
	// lines exist: https://stackoverflow.com/questions/35804884/sqlite-concurrent-writing-performance
	db.SetMaxOpenConns(1)
	_, err = db.Exec("PRAGMA journal_mode=WAL")
	if err != nil {
		return nil, wrapOpenDB(err)
	}
	_, err = db.Exec("PRAGMA busy_timeout=5000")
	if err != nil {
		return nil, wrapOpenDB(err)
	}
	return db, nil
}

// Migrate executes every statement in schema. Statements are executed one
// at a time since remote drivers do not accept batches.
func Migrate(db *sql.DB, schema string) error {
	for _, stmt := range SplitStatements(schema) {
		_, err := db.Exec(stmt)
		if err != nil {
			return fmt.Errorf("migrate: %w\n%s", err, stmt)
		}
	}
	return nil
}

// SplitStatements splits a schema on semicolons, dropping comments and
// empty statements.
func SplitStatements(schema string) []string {
	var lines []string
	for _, line := range strings.Split(schema, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "--") {
			continue
		}
		lines = append(lines, line)
	}

	var out []string
	for _, stmt := range strings.Split(strings.Join(lines, "\n"), ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		out = append(out, stmt)
	}
	return out
}
