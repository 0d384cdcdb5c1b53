// Package audit implements the append-only audit log spec.md §7 implies
// ("every recovery path that drops work records an audit event") but
// never names a storage backend for. Grounded on gormoize/gormoize.go's
// fluent DSN-keyed connection cache (`Connection().WithDialector(...).
// WithDSN(...).Get()`), retargeted from "memoized application DB handle"
// to "the one audit-log DB handle a Host needs for its lifetime" —
// gormoize's cache-by-DSN behavior means a second Open with an unchanged
// DSN reuses the cached connection instead of opening another.
package audit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/brudvik/munin-agent/gormoize"
	"github.com/brudvik/munin-agent/metrics"
)

// Event is one append-only audit record. Kind is a short machine-stable
// tag ("connection_init_failed", "supervisor_exit",
// "control_auth_failure"); Detail carries free-form context.
type Event struct {
	ID        uint      `gorm:"primarykey"`
	CreatedAt time.Time `gorm:"index"`
	Server    string    `gorm:"index"`
	Kind      string    `gorm:"index"`
	Detail    string
}

// Store persists Events through GORM. It satisfies the agent package's
// auditSink interface (Record(ctx, server, kind, detail string)).
type Store struct {
	db *gorm.DB
}

// Open builds a Store for dsn. The dialect is chosen by DSN scheme:
// "mysql://", "postgres://"/"postgresql://", or anything else treated
// as a SQLite file path — SQLite is the default so the agent stays a
// single binary with no external dependency at rest, per SPEC_FULL.md's
// domain-stack note; MySQL and Postgres are exactly the two alternate
// drivers the teacher's go.mod already lists alongside gorm.io/gorm.
func Open(dsn string) (*Store, error) {
	var dialector gorm.Dialector
	switch {
	case strings.HasPrefix(dsn, "mysql://"):
		dialector = mysql.Open(strings.TrimPrefix(dsn, "mysql://"))
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		dialector = postgres.Open(dsn)
	default:
		dialector = sqlite.Open(dsn)
	}

	db, err := gormoize.Connection().
		WithDSN(dsn).
		WithDialector(dialector).
		WithConfig(&gorm.Config{Logger: logger.Default.LogMode(logger.Silent)}).
		Get()
	if err != nil {
		return nil, fmt.Errorf("audit: open %q: %w", dsn, err)
	}

	if err := db.AutoMigrate(&Event{}); err != nil {
		return nil, fmt.Errorf("audit: migrate: %w", err)
	}

	return &Store{db: db}, nil
}

// Record appends one audit event. A failure to persist is counted in
// metrics.AuditEventsDropped and is neither logged nor propagated, since the callers on this path are themselves already
// inside a failure-handling branch (a dropped connection, a rejected
// control auth attempt) with nowhere further to report to.
func (s *Store) Record(ctx context.Context, server, kind, detail string) {
	ev := Event{CreatedAt: time.Now(), Server: server, Kind: kind, Detail: detail}
	if err := s.db.WithContext(ctx).Create(&ev).Error; err != nil {
		metrics.AuditEventsDropped.Inc()
	}
}

// Recent returns the most recent events, newest first, bounded by
// limit, for the Control Protocol's status-query range (spec.md §4.13
// 0x20..0x27) to surface without exposing the raw *gorm.DB.
func (s *Store) Recent(ctx context.Context, limit int) ([]Event, error) {
	var events []Event
	err := s.db.WithContext(ctx).Order("id desc").Limit(limit).Find(&events).Error
	return events, err
}

// Close releases the underlying *sql.DB connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
