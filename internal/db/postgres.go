package db

import (
	"context"
	"database/sql"
	"path/filepath"
	"runtime"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/lib/pq"
)

type PostgresDB struct {
	*sql.DB
}

// NewPostgres opens a pooled connection and verifies it with a ping.
// Pool sizing scales with the host but is clamped so the api and worker
// binaries together stay under a default postgres max_connections.
func NewPostgres(ctx context.Context, url string) (*PostgresDB, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, err
	}

	maxOpen := poolSize(runtime.NumCPU())
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxOpen / 4)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(2 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}

	return &PostgresDB{DB: db}, nil
}

func poolSize(numCPU int) int {
	n := numCPU * 4
	if n < 8 {
		return 8
	}
	if n > 40 {
		return 40
	}
	return n
}

func (db *PostgresDB) RunMigrations(migrationsPath string) error {
	driver, err := postgres.WithInstance(db.DB, &postgres.Config{})
	if err != nil {
		return err
	}

	absPath, err := filepath.Abs(migrationsPath)
	if err != nil {
		return err
	}

	m, err := migrate.NewWithDatabaseInstance("file://"+absPath, "postgres", driver)
	if err != nil {
		return err
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return err
	}

	return nil
}
