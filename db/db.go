package db

import (
	"database/sql"
	"fmt"
	"os"
	"regexp"

	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

var schemaName = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// DB wraps the database connection
type DB struct {
	conn   *sql.DB
	logger *zap.Logger
}

// NewDB opens the job store. An empty url is built from the DB_* environment
// variables.
func NewDB(url, schema string, logger *zap.Logger) (*DB, error) {
	if !schemaName.MatchString(schema) {
		return nil, fmt.Errorf("invalid schema name %q", schema)
	}

	connStr := url
	if connStr == "" {
		host := getEnvOrDefault("DB_HOST", "localhost")
		port := getEnvOrDefault("DB_PORT", "5432")
		user := getEnvOrDefault("DB_USER", "ucr_scraper")
		password := getEnvOrDefault("DB_PASSWORD", "")
		dbname := getEnvOrDefault("DB_NAME", "ucr_scraper")
		sslmode := getEnvOrDefault("DB_SSLMODE", "disable")

		connStr = fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s search_path=%s",
			host, port, user, password, dbname, sslmode, schema)
	}

	conn, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// search_path is per connection; one connection keeps it stable.
	conn.SetMaxOpenConns(1)

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db := &DB{conn: conn, logger: logger}
	if err := db.initSchema(schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return db, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.conn.Close()
}

// lookupResultsTable stores one row per result. Failed results echo
// unvalidated input, so code, date and zip columns are not width-limited.
const lookupResultsTable = `
		CREATE TABLE IF NOT EXISTS lookup_results (
			id SERIAL PRIMARY KEY,
			batch_id UUID NOT NULL REFERENCES batches(id) ON DELETE CASCADE,
			line_number INTEGER NOT NULL,
			procedure_code TEXT NOT NULL,
			zip_code BIGINT NOT NULL,
			service_date TEXT NOT NULL,
			percentiles JSONB NOT NULL,
			currency VARCHAR(10) NOT NULL,
			error TEXT,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			UNIQUE (batch_id, line_number)
		)
	`

// lookupResultsMigrations widen the columns of tables created by older builds.
var lookupResultsMigrations = []string{
	`ALTER TABLE lookup_results ALTER COLUMN procedure_code TYPE TEXT`,
	`ALTER TABLE lookup_results ALTER COLUMN service_date TYPE TEXT`,
	`ALTER TABLE lookup_results ALTER COLUMN zip_code TYPE BIGINT`,
}

// initSchema creates the necessary tables if they don't exist
func (db *DB) initSchema(schema string) error {
	// The schema usually exists already; lacking permission to create it is fine.
	if _, err := db.conn.Exec(`CREATE SCHEMA IF NOT EXISTS ` + schema); err != nil {
		db.logger.Info("could not create schema (may already exist)", zap.Error(err))
	}

	if _, err := db.conn.Exec(`SET search_path TO ` + schema); err != nil {
		return fmt.Errorf("failed to set search path: %w", err)
	}

	_, err := db.conn.Exec(`
		CREATE TABLE IF NOT EXISTS user_settings (
			user_id BIGINT PRIMARY KEY,
			acct_key TEXT NOT NULL DEFAULT '',
			percentile VARCHAR(2) NOT NULL DEFAULT '',
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create user_settings table: %w", err)
	}

	_, err = db.conn.Exec(`
		CREATE TABLE IF NOT EXISTS batches (
			id UUID PRIMARY KEY,
			user_id BIGINT NOT NULL,
			chat_id BIGINT NOT NULL,
			telegram_message_id INTEGER NOT NULL,
			payload JSONB NOT NULL,
			status VARCHAR(20) NOT NULL DEFAULT 'created',
			total_processed INTEGER NOT NULL DEFAULT 0,
			successful INTEGER NOT NULL DEFAULT 0,
			failed INTEGER NOT NULL DEFAULT 0,
			sheet_name VARCHAR(255),
			last_error TEXT,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			CONSTRAINT valid_status CHECK (status IN ('created', 'in_progress', 'done', 'failed'))
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create batches table: %w", err)
	}

	_, err = db.conn.Exec(lookupResultsTable)
	if err != nil {
		return fmt.Errorf("failed to create lookup_results table: %w", err)
	}

	for _, stmt := range lookupResultsMigrations {
		if _, err := db.conn.Exec(stmt); err != nil {
			return fmt.Errorf("failed to migrate lookup_results: %w", err)
		}
	}

	indexes := []string{
		`CREATE INDEX IF NOT EXISTS idx_batches_status ON batches(status)`,
		`CREATE INDEX IF NOT EXISTS idx_batches_user_id ON batches(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_lookup_results_batch_id ON lookup_results(batch_id)`,
	}
	for _, stmt := range indexes {
		if _, err := db.conn.Exec(stmt); err != nil {
			db.logger.Warn("failed to create index", zap.String("statement", stmt), zap.Error(err))
		}
	}

	db.logger.Info("database schema initialized", zap.String("schema", schema))
	return nil
}

// GetConn returns the underlying database connection
func (db *DB) GetConn() *sql.DB {
	return db.conn
}
