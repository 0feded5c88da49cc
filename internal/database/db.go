package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/iliyamo/ticket-documents/internal/config"
)

// DSN builds the MySQL connection string for cfg.
func DSN(cfg config.Config) string {
	mc := mysql.NewConfig()
	mc.User = cfg.DBUser
	mc.Passwd = cfg.DBPass
	mc.Net = "tcp"
	mc.Addr = cfg.DBHost + ":" + cfg.DBPort
	mc.DBName = cfg.DBName
	// parseTime=true -> DATETIME -> time.Time | loc=UTC keeps times consistent
	mc.ParseTime = true
	mc.Loc = time.UTC
	mc.Params = map[string]string{"charset": "utf8mb4"}
	return mc.FormatDSN()
}

// Open connects to MySQL and verifies the connection.
func Open(ctx context.Context, cfg config.Config) (*sql.DB, error) {
	db, err := sql.Open("mysql", DSN(cfg))
	if err != nil {
		return nil, err
	}

	// Pool settings
	db.SetMaxOpenConns(cfg.DBMaxOpenConns)
	db.SetMaxIdleConns(cfg.DBMaxOpenConns)
	db.SetConnMaxLifetime(cfg.DBConnMaxLifetime)

	// Ping with timeout
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("database: ping: %w", err)
	}
	return db, nil
}

// generationRecordsDDL creates the table the generation claims live in.
// ticket_id is the primary key so concurrent inserts for one ticket
// collide with ER_DUP_ENTRY.
const generationRecordsDDL = `CREATE TABLE IF NOT EXISTS generation_records (
  ticket_id    VARCHAR(128) NOT NULL,
  status       ENUM('pending','complete','failed') NOT NULL,
  storage_path VARCHAR(255) NULL,
  checksum     CHAR(64) NULL,
  size_bytes   BIGINT NULL,
  engine_id    VARCHAR(64) NULL,
  attempts     INT NOT NULL DEFAULT 0,
  last_error   VARCHAR(64) NULL,
  claim_token  CHAR(36) NULL,
  created_at   DATETIME(6) NOT NULL,
  updated_at   DATETIME(6) NOT NULL,
  PRIMARY KEY (ticket_id),
  KEY idx_generation_status_updated (status, updated_at)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`

// EnsureSchema creates the tables this service owns.  The tickets table
// belongs to the ticketing system and is never created here.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, generationRecordsDDL); err != nil {
		return fmt.Errorf("database: create generation_records: %w", err)
	}
	return nil
}
