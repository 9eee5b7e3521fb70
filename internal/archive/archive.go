// Package archive persists every observed chat message so digests can be
// assembled later. The upstream platform offers no history API; the adapter
// records messages as they arrive and the scheduler reads them back by
// channel and time window.
package archive

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"digestbot/internal/transport"
	logx "digestbot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means default
}

// Store is the sqlite-backed message archive.
// All methods are safe for concurrent use; sqlite access is serialized on a
// single connection.
type Store struct {
	db  *sql.DB
	log logx.Logger
}

func Open(cfg Config, log logx.Logger) (*Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("archive path is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	s := &Store{db: db, log: log}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Record stores one observed message and refreshes the display names seen
// alongside it. Duplicate (tenant, channel, msg) triples are ignored so
// redelivered updates stay idempotent.
func (s *Store) Record(ctx context.Context, ev transport.Event, msgID int64, tenantName, channelName string) error {
	attachments, err := json.Marshal(ev.Attachments)
	if err != nil {
		return err
	}
	embeds, err := json.Marshal(ev.Embeds)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO messages (tenant_id, channel_id, msg_id, author, body, at_ms, attachments, embeds)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id, channel_id, msg_id) DO NOTHING`,
		ev.TenantID, ev.ChannelID, msgID, ev.Author, ev.Text, ev.At.UnixMilli(),
		string(attachments), string(embeds))
	if err != nil {
		return err
	}

	now := time.Now().UnixMilli()
	if name := strings.TrimSpace(channelName); name != "" {
		if _, err := s.db.ExecContext(ctx, `
			INSERT INTO channels (tenant_id, channel_id, name, updated_ms) VALUES (?, ?, ?, ?)
			ON CONFLICT (tenant_id, channel_id) DO UPDATE SET name = excluded.name, updated_ms = excluded.updated_ms`,
			ev.TenantID, ev.ChannelID, name, now); err != nil {
			return err
		}
	}
	if name := strings.TrimSpace(tenantName); name != "" {
		if _, err := s.db.ExecContext(ctx, `
			INSERT INTO tenants (tenant_id, name, updated_ms) VALUES (?, ?, ?)
			ON CONFLICT (tenant_id) DO UPDATE SET name = excluded.name, updated_ms = excluded.updated_ms`,
			ev.TenantID, name, now); err != nil {
			return err
		}
	}
	return nil
}

// EventsSince returns the channel's events with At strictly after the given
// time, oldest first. A channel the archive has never seen resolves to
// transport.ErrChannelUnavailable.
func (s *Store) EventsSince(ctx context.Context, tenantID, channelID int64, after time.Time) ([]transport.Event, error) {
	known, err := s.channelKnown(ctx, tenantID, channelID)
	if err != nil {
		return nil, err
	}
	if !known {
		return nil, fmt.Errorf("channel %d: %w", channelID, transport.ErrChannelUnavailable)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT author, body, at_ms, attachments, embeds
		FROM messages
		WHERE tenant_id = ? AND channel_id = ? AND at_ms > ?
		ORDER BY at_ms ASC, msg_id ASC`,
		tenantID, channelID, after.UnixMilli())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []transport.Event
	for rows.Next() {
		var (
			ev           transport.Event
			atMS         int64
			attachmentsJ string
			embedsJ      string
		)
		if err := rows.Scan(&ev.Author, &ev.Text, &atMS, &attachmentsJ, &embedsJ); err != nil {
			return nil, err
		}
		ev.TenantID = tenantID
		ev.ChannelID = channelID
		ev.At = time.UnixMilli(atMS).UTC()
		if err := json.Unmarshal([]byte(attachmentsJ), &ev.Attachments); err != nil {
			ev.Attachments = nil
		}
		if err := json.Unmarshal([]byte(embedsJ), &ev.Embeds); err != nil {
			ev.Embeds = nil
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *Store) channelKnown(ctx context.Context, tenantID, channelID int64) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM channels WHERE tenant_id = ? AND channel_id = ?`,
		tenantID, channelID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// ChannelName resolves a channel's display name.
func (s *Store) ChannelName(ctx context.Context, tenantID, channelID int64) (string, error) {
	var name string
	err := s.db.QueryRowContext(ctx,
		`SELECT name FROM channels WHERE tenant_id = ? AND channel_id = ?`,
		tenantID, channelID).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("channel %d: %w", channelID, transport.ErrChannelUnavailable)
	}
	if err != nil {
		return "", err
	}
	return name, nil
}

// TenantName resolves a tenant's display name; unknown tenants fall back to
// the numeric ID rendered as text.
func (s *Store) TenantName(ctx context.Context, tenantID int64) (string, error) {
	var name string
	err := s.db.QueryRowContext(ctx,
		`SELECT name FROM tenants WHERE tenant_id = ?`, tenantID).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Sprintf("%d", tenantID), nil
	}
	if err != nil {
		return "", err
	}
	return name, nil
}

// PruneDigested deletes a tenant's messages at or before the given watermark.
// Digested messages are never read again (the watermark only moves forward),
// so this keeps the archive bounded. Best-effort; callers may ignore errors.
func (s *Store) PruneDigested(ctx context.Context, tenantID int64, upTo time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM messages WHERE tenant_id = ? AND at_ms <= ?`,
		tenantID, upTo.UnixMilli())
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, nil
}
