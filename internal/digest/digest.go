// Package digest groups time-ordered chat events into the structure a digest
// renders from: channels on top, minute-granularity time buckets below.
package digest

import (
	"time"

	"digestbot/internal/transport"
)

// bucketTimeFormat labels a bucket with weekday, month, day and 12-hour time.
// Minute granularity: sub-minute bursts are common in active channels, and
// finer grouping would fragment every conversation into timestamp noise.
const bucketTimeFormat = "Mon Jan 02 03:04 PM"

// Bucket is one minute of channel activity under a shared label.
type Bucket struct {
	Label  string
	Events []transport.Event
}

// ChannelDigest is one channel's buckets, in first-occurrence order.
type ChannelDigest struct {
	Name    string
	Buckets []Bucket
}

// Digest is the full grouped output for one tenant.
type Digest struct {
	TenantName string
	Channels   []ChannelDigest
}

// Empty reports whether the digest holds no events at all.
func (d Digest) Empty() bool {
	for _, ch := range d.Channels {
		if len(ch.Buckets) > 0 {
			return false
		}
	}
	return true
}

// Group buckets events by the minute in which they occurred, in the local
// timezone of the process. Input must already be ordered oldest first; Group
// does not re-sort (re-sorting would hide upstream ordering bugs). Buckets
// appear in order of first occurrence, and two events within the same
// truncated minute always share a bucket.
func Group(events []transport.Event) []Bucket {
	var out []Bucket
	index := map[string]int{}

	for _, ev := range events {
		label := BucketLabel(ev.At)
		i, ok := index[label]
		if !ok {
			i = len(out)
			index[label] = i
			out = append(out, Bucket{Label: label})
		}
		out[i].Events = append(out[i].Events, ev)
	}
	return out
}

// BucketLabel formats an event time as its bucket label.
func BucketLabel(at time.Time) string {
	return at.Local().Truncate(time.Minute).Format(bucketTimeFormat)
}
