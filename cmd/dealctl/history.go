package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const historyEnv = "DEALCTL_HISTORY"

// permitRecord is one permit signed on this machine.
type permitRecord struct {
	Owner     string    `json:"owner"`
	Token     string    `json:"token"`
	Spender   string    `json:"spender"`
	Value     string    `json:"value"`
	Nonce     uint64    `json:"nonce"`
	Deadline  int64     `json:"deadline"`
	DealID    string    `json:"dealId,omitempty"`
	Signature string    `json:"signature"`
	CreatedAt time.Time `json:"createdAt"`
}

// permitHistory tracks signed permits so the next nonce can be derived
// without asking the daemon.
type permitHistory struct {
	db *sql.DB
}

func defaultHistoryPath() string {
	if env := strings.TrimSpace(os.Getenv(historyEnv)); env != "" {
		return env
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return "dealctl-permits.db"
	}
	return filepath.Join(dir, "dealctl", "permits.db")
}

func openHistory(path string) (*permitHistory, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("history path required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	h := &permitHistory{db: db}
	if err := h.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return h, nil
}

func (h *permitHistory) init() error {
	_, err := h.db.Exec(`CREATE TABLE IF NOT EXISTS permits (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            owner TEXT NOT NULL,
            token TEXT NOT NULL,
            spender TEXT NOT NULL,
            value TEXT NOT NULL,
            nonce INTEGER NOT NULL,
            deadline INTEGER NOT NULL,
            deal_id TEXT,
            signature TEXT NOT NULL,
            created_at TIMESTAMP NOT NULL,
            UNIQUE(owner, token, nonce)
        );`)
	if err != nil {
		return fmt.Errorf("init history: %w", err)
	}
	return nil
}

func (h *permitHistory) Close() error { return h.db.Close() }

// NextNonce returns one past the highest nonce recorded for owner on token.
func (h *permitHistory) NextNonce(ctx context.Context, owner, token string) (uint64, error) {
	var highest sql.NullInt64
	err := h.db.QueryRowContext(ctx,
		`SELECT MAX(nonce) FROM permits WHERE owner = ? AND token = ?`,
		strings.ToLower(owner), strings.ToLower(token)).Scan(&highest)
	if err != nil {
		return 0, err
	}
	if !highest.Valid {
		return 0, nil
	}
	return uint64(highest.Int64) + 1, nil
}

// Record stores rec, replacing an earlier signature for the same nonce.
func (h *permitHistory) Record(ctx context.Context, rec permitRecord) error {
	_, err := h.db.ExecContext(ctx, `INSERT OR REPLACE INTO permits
            (owner, token, spender, value, nonce, deadline, deal_id, signature, created_at)
            VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		strings.ToLower(rec.Owner), strings.ToLower(rec.Token), strings.ToLower(rec.Spender),
		rec.Value, int64(rec.Nonce), rec.Deadline, rec.DealID, rec.Signature, rec.CreatedAt.UTC())
	return err
}

// List returns the newest records first, optionally for a single owner.
func (h *permitHistory) List(ctx context.Context, owner string, limit int) ([]permitRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `SELECT owner, token, spender, value, nonce, deadline, COALESCE(deal_id, ''), signature, created_at FROM permits`
	args := []interface{}{}
	if owner = strings.TrimSpace(owner); owner != "" {
		query += ` WHERE owner = ?`
		args = append(args, strings.ToLower(owner))
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)
	rows, err := h.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []permitRecord
	for rows.Next() {
		var rec permitRecord
		var nonce int64
		if err := rows.Scan(&rec.Owner, &rec.Token, &rec.Spender, &rec.Value, &nonce, &rec.Deadline, &rec.DealID, &rec.Signature, &rec.CreatedAt); err != nil {
			return nil, err
		}
		rec.Nonce = uint64(nonce)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func runHistory(args []string, stdout, stderr io.Writer) int {
	flags := newFlagSet("history", stderr)
	path := flags.String("history", defaultHistoryPath(), "permit history database")
	owner := flags.String("owner", "", "only list permits signed by this 0x address")
	limit := flags.Int("limit", 20, "maximum number of records")
	if err := flags.Parse(args); err != nil {
		return 1
	}
	h, err := openHistory(*path)
	if err != nil {
		return printError(stderr, "%v", err)
	}
	defer h.Close()
	records, err := h.List(context.Background(), *owner, *limit)
	if err != nil {
		return printError(stderr, "%v", err)
	}
	if records == nil {
		records = []permitRecord{}
	}
	return printJSON(stdout, stderr, records)
}
