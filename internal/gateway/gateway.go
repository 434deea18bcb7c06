package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound marks a key or record that does not exist. Callers treat it as
// missing data, not as gateway degradation.
var ErrNotFound = errors.New("gateway: not found")

// Unavailable wraps infrastructure failures so callers can distinguish "the
// gateway is down" (skip broadcast, degrade) from ordinary misses.
type Unavailable struct {
	Op  string
	Err error
}

func (u *Unavailable) Error() string {
	return fmt.Sprintf("gateway unavailable during %s: %v", u.Op, u.Err)
}

func (u *Unavailable) Unwrap() error { return u.Err }

// IsUnavailable reports whether err represents gateway degradation.
func IsUnavailable(err error) bool {
	var u *Unavailable
	return errors.As(err, &u)
}

// KV is the typed key/value cache with per-key TTLs. Writes are atomic at
// the key level.
type KV interface {
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, error)
	Del(ctx context.Context, key string) error
	// Keys lists keys matching a glob pattern; used by the startup sweep.
	Keys(ctx context.Context, pattern string) ([]string, error)
}

// Entry is one append-log record. Sequences are monotonic and contiguous
// within a topic.
type Entry struct {
	Sequence uint64    `json:"sequence"`
	Payload  []byte    `json:"payload"`
	At       time.Time `json:"at"`
}

// AppendLog is the durable per-topic journal. It is the source of truth the
// broadcast fabric replays from.
type AppendLog interface {
	Append(ctx context.Context, topic string, payload []byte) (uint64, error)
	// Since returns up to limit entries with sequence strictly greater
	// than seq, in order.
	Since(ctx context.Context, topic string, seq uint64, limit int) ([]Entry, error)
	// LastN returns the trailing n entries, oldest first.
	LastN(ctx context.Context, topic string, n int) ([]Entry, error)
	// LastSequence returns the topic's highest assigned sequence (0 when empty).
	LastSequence(ctx context.Context, topic string) (uint64, error)
}
