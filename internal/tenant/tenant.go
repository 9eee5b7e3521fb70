// Package tenant holds the per-tenant digest configuration map and its
// file-backed persistence. The Store is the single shared mutable resource
// between the command layer and the digest scheduler; every read-or-mutate
// path goes through its lock.
package tenant

import (
	"errors"
	"regexp"
	"strings"
	"time"
)

type ID = int64
type ChannelID = int64

var (
	// ErrCorrupt means the backing file exists but cannot be parsed.
	// Fatal at startup; we never silently overwrite operator state.
	ErrCorrupt = errors.New("tenant store corrupt")

	// ErrBadInterval rejects digest intervals below one minute.
	ErrBadInterval = errors.New("digest interval must be at least 1 minute")
)

// Config is one tenant's digest configuration.
//
// LastDigestAt is the digest watermark: nil means the tenant has never been
// observed by the scheduler. Once set it only moves forward.
type Config struct {
	Channels        []ChannelID
	IntervalMinutes int
	Recipients      []string
	LastDigestAt    *time.Time // UTC
}

func (c *Config) clone() Config {
	cp := Config{IntervalMinutes: c.IntervalMinutes}
	cp.Channels = append([]ChannelID(nil), c.Channels...)
	cp.Recipients = append([]string(nil), c.Recipients...)
	if c.LastDigestAt != nil {
		t := *c.LastDigestAt
		cp.LastDigestAt = &t
	}
	return cp
}

// Interval returns the digest cadence as a duration.
func (c Config) Interval() time.Duration {
	return time.Duration(c.IntervalMinutes) * time.Minute
}

var emailPattern = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`)

// ValidEmail reports whether addr matches the accepted address syntax.
func ValidEmail(addr string) bool {
	return emailPattern.MatchString(addr)
}

// SplitRecipientList splits a user-supplied recipient list on commas and
// whitespace, trimming and lowercasing each entry.
func SplitRecipientList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		for _, field := range strings.Fields(part) {
			field = strings.ToLower(strings.TrimSpace(field))
			if field != "" {
				out = append(out, field)
			}
		}
	}
	return out
}
