package db

import (
	"database/sql"
	"fmt"
	"time"

	"tunesync/config"
	"tunesync/logger"

	_ "github.com/go-sql-driver/mysql" // MySQL driver
)

var DB *sql.DB

// ConnectDB establishes a connection to the database.
func ConnectDB(cfg *config.Config) error {
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?parseTime=true&loc=UTC",
		cfg.DBUser, cfg.DBPassword, cfg.DBHost, cfg.DBPort, cfg.DBName)

	var err error
	DB, err = sql.Open("mysql", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database connection: %w", err)
	}

	DB.SetMaxOpenConns(25)
	DB.SetMaxIdleConns(10)
	DB.SetConnMaxLifetime(5 * time.Minute)

	if err = DB.Ping(); err != nil {
		DB.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	logger.Info("Successfully connected to the database",
		logger.String("host", cfg.DBHost), logger.String("database", cfg.DBName))
	return nil
}

// InitDB initializes the database schema, creating tables if they don't exist.
func InitDB() error {
	if err := createUsersTable(); err != nil {
		return err
	}
	if err := createTracksTable(); err != nil {
		return err
	}
	if err := createSyncBatchesTable(); err != nil {
		return err
	}
	logger.Info("Database initialization completed")
	return nil
}

func createUsersTable() error {
	query := `
	CREATE TABLE IF NOT EXISTS users (
		id BIGINT AUTO_INCREMENT PRIMARY KEY,
		username VARCHAR(100) NOT NULL UNIQUE,
		email VARCHAR(255) NOT NULL UNIQUE,
		password_hash VARCHAR(255) NOT NULL,
		catalog_email VARCHAR(512),
		catalog_password VARCHAR(512),
		syncing TINYINT(1) NOT NULL DEFAULT 0,
		sync_started_at DATETIME(6) NULL,
		sync_finished_at DATETIME(6) NULL,
		last_synced_at DATETIME(6) NULL,
		track_count BIGINT NOT NULL DEFAULT 0,
		merged_count BIGINT NOT NULL DEFAULT 0,
		deleted_count BIGINT NOT NULL DEFAULT 0,
		mean_duration_ms BIGINT NOT NULL DEFAULT 0,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP
	);
	`
	if _, err := DB.Exec(query); err != nil {
		return fmt.Errorf("failed to create users table: %w", err)
	}
	return nil
}

func createTracksTable() error {
	query := `
	CREATE TABLE IF NOT EXISTS tracks (
		user_id BIGINT NOT NULL,
		remote_id VARCHAR(128) NOT NULL,
		title VARCHAR(512) NOT NULL,
		artist VARCHAR(512) NOT NULL DEFAULT '',
		album VARCHAR(512) NOT NULL DEFAULT '',
		album_artist VARCHAR(512) NOT NULL DEFAULT '',
		artist_art VARCHAR(1024) NOT NULL DEFAULT '',
		album_art VARCHAR(1024) NOT NULL DEFAULT '',
		composer VARCHAR(512) NOT NULL DEFAULT '',
		genre VARCHAR(256) NOT NULL DEFAULT '',
		comment TEXT,
		disc_number INT NULL,
		total_disc_count INT NULL,
		track_number INT NULL,
		total_track_count INT NULL,
		year INT NULL,
		created_remote DATETIME(6) NOT NULL,
		modified_remote DATETIME(6) NOT NULL,
		recent_remote DATETIME(6) NOT NULL,
		play_count INT NOT NULL DEFAULT 0,
		duration_millis BIGINT NOT NULL,
		rating TINYINT NOT NULL DEFAULT 0,
		rand_num INT UNSIGNED NOT NULL DEFAULT 0,
		last_synced_at DATETIME(6) NOT NULL,
		PRIMARY KEY (user_id, remote_id),
		INDEX idx_tracks_last_synced (user_id, last_synced_at),
		CONSTRAINT fk_user_tracks FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
	);
	`
	if _, err := DB.Exec(query); err != nil {
		return fmt.Errorf("failed to create tracks table: %w", err)
	}
	return nil
}

func createSyncBatchesTable() error {
	// The batch ledger. The unique key on (user_id, fingerprint) is what
	// makes aggregation idempotent under at-least-once delivery.
	query := `
	CREATE TABLE IF NOT EXISTS sync_batches (
		id BIGINT AUTO_INCREMENT PRIMARY KEY,
		user_id BIGINT NOT NULL,
		fingerprint VARCHAR(64) NOT NULL,
		batch_num INT NOT NULL,
		net_tracks INT NOT NULL,
		merges INT NOT NULL,
		deletes INT NOT NULL,
		partial_product LONGTEXT NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		CONSTRAINT uq_user_fingerprint UNIQUE (user_id, fingerprint),
		CONSTRAINT fk_user_batches FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
	);
	`
	if _, err := DB.Exec(query); err != nil {
		return fmt.Errorf("failed to create sync_batches table: %w", err)
	}
	return nil
}
