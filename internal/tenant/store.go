package tenant

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	logx "digestbot/pkg/logx"
)

// Store owns the tenant map and its JSON snapshot file.
//
// Mutations persist the full snapshot immediately (temp file + rename) so a
// crash never leaves a half-written file visible to readers.
type Store struct {
	mu sync.Mutex

	path            string
	defaultInterval int
	log             logx.Logger

	tenants map[ID]*Config
}

// persistedTenant is the stable on-disk shape. Timestamps are RFC 3339 UTC;
// a null last_digest means the tenant is uninitialized.
type persistedTenant struct {
	Channels        []ChannelID `json:"channels"`
	DigestInterval  int         `json:"digest_interval"`
	EmailRecipients []string    `json:"email_recipients"`
	LastDigest      *string     `json:"last_digest"`
}

func NewStore(path string, defaultIntervalMinutes int, log logx.Logger) *Store {
	if log.IsZero() {
		log = logx.Nop()
	}
	if defaultIntervalMinutes < 1 {
		defaultIntervalMinutes = 1
	}
	return &Store{
		path:            path,
		defaultInterval: defaultIntervalMinutes,
		log:             log,
		tenants:         map[ID]*Config{},
	}
}

// Load reads the snapshot file. A missing file is a fresh start: an empty
// snapshot is created so later saves never race directory creation. An
// unparseable file is ErrCorrupt.
func (s *Store) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		s.log.Info("tenant store does not exist - creating", logx.String("path", s.path))
		s.tenants = map[ID]*Config{}
		return s.saveLocked()
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", s.path, err)
	}

	var raw map[string]persistedTenant
	if err := json.Unmarshal(b, &raw); err != nil {
		return fmt.Errorf("%w: parse %s: %v", ErrCorrupt, s.path, err)
	}

	tenants := make(map[ID]*Config, len(raw))
	for key, pt := range raw {
		id, err := strconv.ParseInt(key, 10, 64)
		if err != nil {
			return fmt.Errorf("%w: tenant key %q is not an integer", ErrCorrupt, key)
		}
		cfg := &Config{
			Channels:        append([]ChannelID(nil), pt.Channels...),
			IntervalMinutes: pt.DigestInterval,
			Recipients:      append([]string(nil), pt.EmailRecipients...),
		}
		if pt.LastDigest != nil && strings.TrimSpace(*pt.LastDigest) != "" {
			t, err := time.Parse(time.RFC3339Nano, *pt.LastDigest)
			if err != nil {
				return fmt.Errorf("%w: tenant %s: bad last_digest %q", ErrCorrupt, key, *pt.LastDigest)
			}
			utc := t.UTC()
			cfg.LastDigestAt = &utc
		}
		// Older snapshots may predate some fields; fill defaults once here
		// instead of re-checking at every call site.
		if cfg.IntervalMinutes < 1 {
			cfg.IntervalMinutes = s.defaultInterval
		}
		tenants[id] = cfg
	}

	s.tenants = tenants
	s.log.Info("tenant store loaded", logx.String("path", s.path), logx.Int("tenants", len(tenants)))
	return nil
}

func (s *Store) saveLocked() error {
	raw := make(map[string]persistedTenant, len(s.tenants))
	for id, cfg := range s.tenants {
		pt := persistedTenant{
			Channels:        append([]ChannelID{}, cfg.Channels...),
			DigestInterval:  cfg.IntervalMinutes,
			EmailRecipients: append([]string{}, cfg.Recipients...),
		}
		if cfg.LastDigestAt != nil {
			ts := cfg.LastDigestAt.UTC().Format(time.RFC3339Nano)
			pt.LastDigest = &ts
		}
		raw[strconv.FormatInt(id, 10)] = pt
	}

	b, err := json.MarshalIndent(raw, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

// IDs returns all tenant IDs in ascending order, for deterministic
// scheduler passes.
func (s *Store) IDs() []ID {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]ID, 0, len(s.tenants))
	for id := range s.tenants {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Get returns a copy of the tenant's config.
func (s *Store) Get(id ID) (Config, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg, ok := s.tenants[id]
	if !ok {
		return Config{}, false
	}
	return cfg.clone(), true
}

// GetOrCreate returns the tenant's config, inserting (and persisting) one
// populated with process defaults if the tenant is unknown.
func (s *Store) GetOrCreate(id ID) (Config, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg, err := s.getOrCreateLocked(id)
	if err != nil {
		return Config{}, err
	}
	return cfg.clone(), nil
}

func (s *Store) getOrCreateLocked(id ID) (*Config, error) {
	if cfg, ok := s.tenants[id]; ok {
		return cfg, nil
	}
	cfg := &Config{
		Channels:        []ChannelID{},
		IntervalMinutes: s.defaultInterval,
		Recipients:      []string{},
	}
	s.tenants[id] = cfg
	if err := s.saveLocked(); err != nil {
		delete(s.tenants, id)
		return nil, err
	}
	return cfg, nil
}

// AdvanceWatermark moves the tenant's digest watermark forward to t and
// persists immediately. A t at or before the current watermark is a no-op:
// the watermark is monotonically non-decreasing.
func (s *Store) AdvanceWatermark(id ID, t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg, err := s.getOrCreateLocked(id)
	if err != nil {
		return err
	}
	utc := t.UTC()
	if cfg.LastDigestAt != nil && !utc.After(*cfg.LastDigestAt) {
		return nil
	}
	prev := cfg.LastDigestAt
	cfg.LastDigestAt = &utc
	if err := s.saveLocked(); err != nil {
		cfg.LastDigestAt = prev
		return err
	}
	return nil
}

// AddChannel adds a channel to the tenant's monitored set. Adding a channel
// that is already present is a no-op and reports added=false.
func (s *Store) AddChannel(id ID, ch ChannelID) (added bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg, err := s.getOrCreateLocked(id)
	if err != nil {
		return false, err
	}
	for _, existing := range cfg.Channels {
		if existing == ch {
			return false, nil
		}
	}
	cfg.Channels = append(cfg.Channels, ch)
	if err := s.saveLocked(); err != nil {
		cfg.Channels = cfg.Channels[:len(cfg.Channels)-1]
		return false, err
	}
	return true, nil
}

// RemoveChannel removes a channel from the tenant's monitored set.
func (s *Store) RemoveChannel(id ID, ch ChannelID) (removed bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg, ok := s.tenants[id]
	if !ok {
		return false, nil
	}
	for i, existing := range cfg.Channels {
		if existing == ch {
			prev := append([]ChannelID(nil), cfg.Channels...)
			cfg.Channels = append(cfg.Channels[:i], cfg.Channels[i+1:]...)
			if err := s.saveLocked(); err != nil {
				cfg.Channels = prev
				return false, err
			}
			return true, nil
		}
	}
	return false, nil
}

// SetInterval sets the digest cadence in minutes. Values below 1 are
// rejected and the stored interval is unchanged.
func (s *Store) SetInterval(id ID, minutes int) error {
	if minutes < 1 {
		return ErrBadInterval
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg, err := s.getOrCreateLocked(id)
	if err != nil {
		return err
	}
	prev := cfg.IntervalMinutes
	cfg.IntervalMinutes = minutes
	if err := s.saveLocked(); err != nil {
		cfg.IntervalMinutes = prev
		return err
	}
	return nil
}

// AddRecipients validates, lowercases and deduplicates the given addresses
// against the existing set. It returns the addresses actually added and the
// ones rejected for bad syntax.
func (s *Store) AddRecipients(id ID, addrs []string) (added, rejected []string, err error) {
	var valid []string
	for _, a := range addrs {
		a = strings.ToLower(strings.TrimSpace(a))
		if a == "" {
			continue
		}
		if !ValidEmail(a) {
			rejected = append(rejected, a)
			continue
		}
		valid = append(valid, a)
	}
	if len(valid) == 0 {
		return nil, rejected, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	cfg, err := s.getOrCreateLocked(id)
	if err != nil {
		return nil, rejected, err
	}

	have := make(map[string]bool, len(cfg.Recipients))
	for _, r := range cfg.Recipients {
		have[strings.ToLower(r)] = true
	}
	prev := append([]string(nil), cfg.Recipients...)
	for _, a := range valid {
		if have[a] {
			continue
		}
		have[a] = true
		cfg.Recipients = append(cfg.Recipients, a)
		added = append(added, a)
	}
	if len(added) == 0 {
		return nil, rejected, nil
	}
	if err := s.saveLocked(); err != nil {
		cfg.Recipients = prev
		return nil, rejected, err
	}
	return added, rejected, nil
}

// RemoveRecipients removes the given addresses (case-insensitive).
func (s *Store) RemoveRecipients(id ID, addrs []string) (removed int, err error) {
	drop := make(map[string]bool, len(addrs))
	for _, a := range addrs {
		a = strings.ToLower(strings.TrimSpace(a))
		if a != "" {
			drop[a] = true
		}
	}
	if len(drop) == 0 {
		return 0, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	cfg, ok := s.tenants[id]
	if !ok {
		return 0, nil
	}
	prev := append([]string(nil), cfg.Recipients...)
	kept := cfg.Recipients[:0]
	for _, r := range cfg.Recipients {
		if drop[strings.ToLower(r)] {
			removed++
			continue
		}
		kept = append(kept, r)
	}
	if removed == 0 {
		return 0, nil
	}
	cfg.Recipients = kept
	if err := s.saveLocked(); err != nil {
		cfg.Recipients = prev
		return 0, err
	}
	return removed, nil
}
