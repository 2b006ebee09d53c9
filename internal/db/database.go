// Package db implements the MySQL persistence layer shared by the three
// servers: accounts and bans, character rows and snapshots, mail and
// bulletin boards.
package db

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/rs/zerolog/log"

	"github.com/seolan-project/seolan/internal/config"
)

// Database wraps a MySQL connection pool.
type Database struct {
	db *sql.DB
}

// Open connects to the MySQL server named by the configuration.
func Open(cfg *config.ServerConfig) (*Database, error) {
	mc := mysql.NewConfig()
	mc.User = cfg.SQLID
	mc.Passwd = cfg.SQLPW
	mc.Net = "tcp"
	mc.Addr = cfg.SQLAddr()
	mc.DBName = cfg.SQLDB

	db, err := sql.Open("mysql", mc.FormatDSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(3 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("database ping failed: %w", err)
	}

	log.Info().Str("addr", mc.Addr).Str("db", cfg.SQLDB).Msg("database connected")

	return &Database{db: db}, nil
}

// Close closes the database connection.
func (d *Database) Close() error {
	return d.db.Close()
}

// Ping verifies the connection is still alive.
func (d *Database) Ping() error {
	return d.db.Ping()
}

// Exec executes a query without returning rows (INSERT, UPDATE, DELETE).
func (d *Database) Exec(query string, args ...interface{}) (sql.Result, error) {
	return d.db.Exec(query, args...)
}

// Query executes a query that returns rows (SELECT).
func (d *Database) Query(query string, args ...interface{}) (*sql.Rows, error) {
	return d.db.Query(query, args...)
}

// QueryRow executes a query that returns a single row.
func (d *Database) QueryRow(query string, args ...interface{}) *sql.Row {
	return d.db.QueryRow(query, args...)
}

// Transaction executes a function within a database transaction.
func (d *Database) Transaction(fn func(tx *sql.Tx) error) error {
	tx, err := d.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}

	return tx.Commit()
}
