package testutil

import (
	"database/sql"
	"fmt"
	"path/filepath"
	"testing"

	"grocery-ingest/lib/sqliteutil"
	"grocery-ingest/lib/telemetry"
)

type ServiceParams struct {
	Name string
	// if unspecified, it will skip setting up a db
	DbSchema string
	// if unspecified, it will use `:memory:`, relative paths are placed in
	// the test's temp dir
	DbPath string
}

type ServiceResult struct {
	DB *sql.DB
}

func SetupService(t testing.TB, params ServiceParams) (ServiceResult, func()) {
	cleanup := telemetry.SetupForTesting(fmt.Sprintf("test:%s", params.Name))
	if params.DbSchema == "" {
		return ServiceResult{}, cleanup
	}

	dbpath := ":memory:"
	if params.DbPath != "" && params.DbPath != ":memory:" {
		dbpath = params.DbPath
		if !filepath.IsAbs(dbpath) {
			dbpath = filepath.Join(t.TempDir(), dbpath)
		}
	}
	database, err := sqliteutil.OpenDB(params.DbSchema, dbpath)
	if err != nil {
		t.Fatal(err)
	}

	return ServiceResult{DB: database}, func() {
		database.Close()
		cleanup()
	}
}
