// Package database wires up the Postgres connection pool and runs schema
// migrations. The teacher declared golang-migrate/migrate/v4 in its go.mod
// but never called it from cmd/kiwis-worker/main.go; this wires it for
// real, following princeparmar-Backup-Tools/pkg/gorm/factory.go for the
// pool-sizing conventions.
package database

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	gormpostgres "gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// DB bundles the two handles the Store implementations need: a *gorm.DB for
// the gorm-backed entities and the *sql.DB it wraps for the raw-SQL ones, so
// both share a single connection pool.
type DB struct {
	Gorm *gorm.DB
	SQL  *sql.DB
}

// Connect opens the Postgres connection pool and configures it the way
// princeparmar-Backup-Tools/pkg/gorm/factory.go sizes its pool: bounded
// max-open/max-idle with a recycle lifetime so long-lived connections don't
// outlive a load balancer's idle timeout.
func Connect(dsn string) (*DB, error) {
	gormDB, err := gorm.Open(gormpostgres.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	sqlDB, err := gormDB.DB()
	if err != nil {
		return nil, fmt.Errorf("extract sql.DB: %w", err)
	}

	sqlDB.SetMaxOpenConns(25)
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetConnMaxLifetime(30 * time.Minute)
	sqlDB.SetConnMaxIdleTime(5 * time.Minute)

	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &DB{Gorm: gormDB, SQL: sqlDB}, nil
}

func (d *DB) Close() error {
	return d.SQL.Close()
}

// RunMigrations applies every pending migration under database/migrations
// using golang-migrate, embedded into the binary so deploys never need a
// separate migrations step.
func RunMigrations(d *DB) error {
	sourceDriver, err := iofs.New(migrationFiles, "migrations")
	if err != nil {
		return fmt.Errorf("load embedded migrations: %w", err)
	}

	dbDriver, err := postgres.WithInstance(d.SQL, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("create migrate postgres driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "postgres", dbDriver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}
