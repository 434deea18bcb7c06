package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/torobias/torobias/internal/gateway"
)

// AppendLog journals broadcast events into one Redis stream per topic.
// A plain INCR counter assigns contiguous sequences; the stream entry ID is
// derived from the sequence ("<seq>-1") so range reads by sequence need no
// secondary index.
type AppendLog struct {
	c      *redis.Client
	maxLen int64
}

// NewAppendLog wraps a client. maxLen bounds each topic stream; older
// entries are trimmed approximately (XADD MAXLEN ~).
func NewAppendLog(c *redis.Client, maxLen int64) *AppendLog {
	if maxLen <= 0 {
		maxLen = 10000
	}
	return &AppendLog{c: c, maxLen: maxLen}
}

func streamKey(topic string) string { return "log:" + topic }
func seqKey(topic string) string    { return "log:" + topic + ":seq" }

func (l *AppendLog) Append(ctx context.Context, topic string, payload []byte) (uint64, error) {
	seq, err := l.c.Incr(ctx, seqKey(topic)).Result()
	if err != nil {
		return 0, &gateway.Unavailable{Op: "log.append", Err: err}
	}

	at := time.Now().UTC()
	err = l.c.XAdd(ctx, &redis.XAddArgs{
		Stream: streamKey(topic),
		MaxLen: l.maxLen,
		Approx: true,
		ID:     fmt.Sprintf("%d-1", seq),
		Values: map[string]interface{}{
			"payload": payload,
			"at":      at.Format(time.RFC3339Nano),
		},
	}).Err()
	if err != nil {
		return 0, &gateway.Unavailable{Op: "log.append", Err: err}
	}
	return uint64(seq), nil
}

func (l *AppendLog) Since(ctx context.Context, topic string, seq uint64, limit int) ([]gateway.Entry, error) {
	start := fmt.Sprintf("%d-1", seq+1)
	msgs, err := l.c.XRangeN(ctx, streamKey(topic), start, "+", int64(limit)).Result()
	if err != nil {
		return nil, &gateway.Unavailable{Op: "log.since", Err: err}
	}
	return decodeMessages(msgs)
}

func (l *AppendLog) LastN(ctx context.Context, topic string, n int) ([]gateway.Entry, error) {
	msgs, err := l.c.XRevRangeN(ctx, streamKey(topic), "+", "-", int64(n)).Result()
	if err != nil {
		return nil, &gateway.Unavailable{Op: "log.lastn", Err: err}
	}
	// XREVRANGE yields newest first; callers want chronological order.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return decodeMessages(msgs)
}

func (l *AppendLog) LastSequence(ctx context.Context, topic string) (uint64, error) {
	val, err := l.c.Get(ctx, seqKey(topic)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, &gateway.Unavailable{Op: "log.lastseq", Err: err}
	}
	seq, err := strconv.ParseUint(val, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("corrupt sequence counter for %s: %w", topic, err)
	}
	return seq, nil
}

func decodeMessages(msgs []redis.XMessage) ([]gateway.Entry, error) {
	entries := make([]gateway.Entry, 0, len(msgs))
	for _, m := range msgs {
		e, err := decodeMessage(m)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func decodeMessage(m redis.XMessage) (gateway.Entry, error) {
	seqPart, _, ok := strings.Cut(m.ID, "-")
	if !ok {
		return gateway.Entry{}, fmt.Errorf("malformed stream id %q", m.ID)
	}
	seq, err := strconv.ParseUint(seqPart, 10, 64)
	if err != nil {
		return gateway.Entry{}, fmt.Errorf("malformed stream id %q: %w", m.ID, err)
	}

	payload, _ := m.Values["payload"].(string)
	var at time.Time
	if raw, ok := m.Values["at"].(string); ok {
		at, _ = time.Parse(time.RFC3339Nano, raw)
	}
	return gateway.Entry{Sequence: seq, Payload: []byte(payload), At: at}, nil
}
