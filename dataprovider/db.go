// File: dataprovider/db.go
package dataprovider

import (
	"database/sql"
	"fmt"
	"log"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/voyager418/mountain-seeker-sub000/utilities"
)

// SQLiteStore persists trading sessions, per-account state and a candlestick
// cache.
type SQLiteStore struct {
	db *sql.DB
}

// TradingSessionRecord is one row of the trading_sessions table.
type TradingSessionRecord struct {
	ID            string
	AccountEmail  string
	Symbol        string
	Strategy      string
	State         string
	Result        string
	Simulated     bool
	ProfitPercent float64
	ProfitQuote   float64
	StartedAt     time.Time
	EndedAt       time.Time
}

// AccountStateRecord is one row of the account_states table.
type AccountStateRecord struct {
	Email      string
	Active     bool
	Running    bool
	LastResult string
	UpdatedAt  time.Time
}

func NewSQLiteStore(dbCfg utilities.DatabaseConfig) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbCfg.DBPath)
	if err != nil {
		return nil, err
	}
	schema := `
	CREATE TABLE IF NOT EXISTS candlesticks (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		symbol TEXT NOT NULL,
		interval TEXT NOT NULL,
		timestamp INTEGER NOT NULL,
		open REAL NOT NULL,
		high REAL NOT NULL,
		low REAL NOT NULL,
		close REAL NOT NULL,
		volume REAL NOT NULL,
		UNIQUE(symbol, interval, timestamp)
	);
	CREATE INDEX IF NOT EXISTS idx_symbol_interval_timestamp ON candlesticks (symbol, interval, timestamp);

	CREATE TABLE IF NOT EXISTS trading_sessions (
		id TEXT PRIMARY KEY,
		account_email TEXT NOT NULL,
		symbol TEXT NOT NULL,
		strategy TEXT NOT NULL,
		state TEXT NOT NULL,
		result TEXT NOT NULL,
		simulated INTEGER NOT NULL,
		profit_percent REAL NOT NULL,
		profit_quote REAL NOT NULL,
		started_at INTEGER NOT NULL,
		ended_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_account ON trading_sessions (account_email, started_at);

	CREATE TABLE IF NOT EXISTS account_states (
		email TEXT PRIMARY KEY,
		active INTEGER NOT NULL,
		running INTEGER NOT NULL,
		last_result TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);
	`
	if _, err := db.Exec(schema); err != nil {
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

// --- Candlestick Caching ---

func (s *SQLiteStore) SaveCandlesticks(symbol, interval string, candles []utilities.Candlestick) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	stmt, err := tx.Prepare(`INSERT OR REPLACE INTO candlesticks (symbol, interval, timestamp, open, high, low, close, volume) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	defer stmt.Close()
	for _, c := range candles {
		if _, err := stmt.Exec(symbol, interval, c.Timestamp, c.Open, c.High, c.Low, c.Close, c.Volume); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) GetCandlesticks(symbol, interval string, start, end int64) ([]utilities.Candlestick, error) {
	rows, err := s.db.Query(`SELECT timestamp, open, high, low, close, volume FROM candlesticks WHERE symbol=? AND interval=? AND timestamp BETWEEN ? AND ? ORDER BY timestamp ASC`,
		symbol, interval, start, end)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var candles []utilities.Candlestick
	for rows.Next() {
		var c utilities.Candlestick
		if err := rows.Scan(&c.Timestamp, &c.Open, &c.High, &c.Low, &c.Close, &c.Volume); err != nil {
			return nil, err
		}
		candles = append(candles, c)
	}
	return candles, nil
}

// --- Trading Session Persistence ---

func (s *SQLiteStore) SaveSession(rec TradingSessionRecord) error {
	simulated := 0
	if rec.Simulated {
		simulated = 1
	}
	_, err := s.db.Exec(`INSERT OR REPLACE INTO trading_sessions
		(id, account_email, symbol, strategy, state, result, simulated, profit_percent, profit_quote, started_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.AccountEmail, rec.Symbol, rec.Strategy, rec.State, rec.Result, simulated,
		rec.ProfitPercent, rec.ProfitQuote, rec.StartedAt.UnixMilli(), endedAtMillis(rec.EndedAt))
	if err != nil {
		return fmt.Errorf("failed to save trading session %s: %w", rec.ID, err)
	}
	return nil
}

func (s *SQLiteStore) GetSessionsForAccount(email string, limit int) ([]TradingSessionRecord, error) {
	rows, err := s.db.Query(`SELECT id, account_email, symbol, strategy, state, result, simulated, profit_percent, profit_quote, started_at, ended_at
		FROM trading_sessions WHERE account_email=? ORDER BY started_at DESC LIMIT ?`, email, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query trading sessions: %w", err)
	}
	defer rows.Close()
	return scanSessions(rows)
}

func (s *SQLiteStore) GetRecentSessions(limit int) ([]TradingSessionRecord, error) {
	rows, err := s.db.Query(`SELECT id, account_email, symbol, strategy, state, result, simulated, profit_percent, profit_quote, started_at, ended_at
		FROM trading_sessions ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query trading sessions: %w", err)
	}
	defer rows.Close()
	return scanSessions(rows)
}

func scanSessions(rows *sql.Rows) ([]TradingSessionRecord, error) {
	var out []TradingSessionRecord
	for rows.Next() {
		var rec TradingSessionRecord
		var simulated int
		var startedAt, endedAt int64
		if err := rows.Scan(&rec.ID, &rec.AccountEmail, &rec.Symbol, &rec.Strategy, &rec.State, &rec.Result,
			&simulated, &rec.ProfitPercent, &rec.ProfitQuote, &startedAt, &endedAt); err != nil {
			return nil, fmt.Errorf("failed to scan trading session row: %w", err)
		}
		rec.Simulated = simulated == 1
		rec.StartedAt = time.UnixMilli(startedAt)
		if endedAt > 0 {
			rec.EndedAt = time.UnixMilli(endedAt)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// --- Account State Persistence ---

func (s *SQLiteStore) SaveAccountState(rec AccountStateRecord) error {
	_, err := s.db.Exec(`INSERT OR REPLACE INTO account_states (email, active, running, last_result, updated_at) VALUES (?, ?, ?, ?, ?)`,
		rec.Email, boolToInt(rec.Active), boolToInt(rec.Running), rec.LastResult, time.Now().UnixMilli())
	return err
}

func (s *SQLiteStore) LoadAccountStates() (map[string]AccountStateRecord, error) {
	rows, err := s.db.Query(`SELECT email, active, running, last_result, updated_at FROM account_states`)
	if err != nil {
		return nil, fmt.Errorf("failed to query account states: %w", err)
	}
	defer rows.Close()

	states := make(map[string]AccountStateRecord)
	for rows.Next() {
		var rec AccountStateRecord
		var active, running int
		var updatedAt int64
		if err := rows.Scan(&rec.Email, &active, &running, &rec.LastResult, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan account state row: %w", err)
		}
		rec.Active = active == 1
		rec.Running = running == 1
		rec.UpdatedAt = time.UnixMilli(updatedAt)
		states[rec.Email] = rec
	}
	return states, rows.Err()
}

// --- Cleanup ---

func (s *SQLiteStore) CleanupOldCandlesticks(olderThan time.Time) error {
	_, err := s.db.Exec(`DELETE FROM candlesticks WHERE timestamp < ?`, olderThan.UnixMilli())
	return err
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) StartScheduledCleanup(interval time.Duration) {
	go func() {
		for {
			cutoff := time.Now().AddDate(0, 0, -14)
			if err := s.CleanupOldCandlesticks(cutoff); err != nil {
				log.Printf("Scheduled candlestick cleanup error: %v", err)
			} else {
				log.Printf("Scheduled candlestick cleanup successful")
			}
			time.Sleep(interval)
		}
	}()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func endedAtMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}
