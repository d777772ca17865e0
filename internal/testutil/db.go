// Package testutil holds helpers shared by package tests.
package testutil

import (
	"fmt"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/jmoiron/sqlx"
	"gorm.io/gorm"

	"github.com/habgyt95-stack/Chat-Support-sub001/internal/db"
	"github.com/habgyt95-stack/Chat-Support-sub001/internal/models"
)

var dbSeq atomic.Int64

// NewDB returns a migrated in-memory SQLite database private to the test.
func NewDB(t testing.TB) (*gorm.DB, *sqlx.DB) {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s_%d?mode=memory&cache=shared", name, dbSeq.Add(1))

	gdb, err := db.Open("sqlite", dsn)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := db.Migrate(gdb, models.All()...); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	xdb, err := db.Sqlx(gdb)
	if err != nil {
		t.Fatalf("sqlx: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := gdb.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return gdb, xdb
}
