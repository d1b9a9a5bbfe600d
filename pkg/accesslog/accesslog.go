// Package accesslog keeps the rolling gemtext log of served requests and
// persists it to the cache store on a timer.
package accesslog

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/jnovack/gemini-gateway/pkg/cache"
)

const (
	// Key is the cache key the log is persisted under.
	Key = "gw:access_log"
	// Tag marks the persisted log so it stays out of cache listings.
	Tag = "access_log"
	// FlushInterval is how often pending lines are persisted.
	FlushInterval = 3 * time.Second

	defaultMaxLines = 4096
	timeLayout      = "02/Jan/2006 15:04:05"
)

// Record is one served request.
type Record struct {
	Time        time.Time `json:"time"`
	URL         string    `json:"url"`
	ClientIP    string    `json:"client_ip"`
	Status      int       `json:"status"`
	ContentType string    `json:"content_type"`
	Title       string    `json:"title,omitempty"`
	Mode        string    `json:"mode"`
	Outcome     string    `json:"outcome,omitempty"`
	LatencySecs float64   `json:"latency_secs"`
}

// Gemline renders the record as a gemtext link line.
func (r Record) Gemline() string {
	label := r.Title
	if label == "" {
		label = r.URL
	}
	return fmt.Sprintf("=> %s  [%s] %s(%s, status: %d, ctype: %s)",
		r.URL, r.Time.Format(timeLayout), label, r.ClientIP, r.Status, r.ContentType)
}

// Store is the persistence the log flushes to.
type Store interface {
	Get(ctx context.Context, key string) (*cache.Entry, bool)
	PutEntry(ctx context.Context, key string, m cache.Meta, data []byte, ttl cache.TTL) bool
}

// Log is a bounded, concurrency-safe access log.
type Log struct {
	mu      sync.Mutex
	lines   []string
	max     int
	pending int
	store   Store
}

// New returns a Log keeping at most maxLines lines. store may be nil to
// disable persistence.
func New(maxLines int, store Store) *Log {
	if maxLines <= 0 {
		maxLines = defaultMaxLines
	}
	return &Log{max: maxLines, store: store}
}

// Append adds rec and counts it as pending persistence.
func (l *Log) Append(rec Record) {
	line := rec.Gemline()
	l.mu.Lock()
	if len(l.lines) >= l.max {
		l.lines = l.lines[1:]
	}
	l.lines = append(l.lines, line)
	l.pending++
	l.mu.Unlock()
	log.Info().Str("mode", rec.Mode).Str("outcome", rec.Outcome).Msg(line)
}

// Lines returns the lines oldest first.
func (l *Log) Lines() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.lines))
	copy(out, l.lines)
	return out
}

// Pending returns the number of lines appended since the last flush.
func (l *Log) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pending
}

// Document renders the log newest first.
func (l *Log) Document() string {
	lines := l.Lines()
	var b strings.Builder
	b.WriteString("# Access log\n\n")
	for i := len(lines) - 1; i >= 0; i-- {
		b.WriteString(lines[i])
		b.WriteByte('\n')
	}
	return b.String()
}

// Flush persists the log when lines are pending. It reports whether a write
// happened; on failure the pending count is kept for the next attempt.
func (l *Log) Flush(ctx context.Context) bool {
	if l.store == nil {
		return false
	}
	l.mu.Lock()
	if l.pending == 0 {
		l.mu.Unlock()
		return false
	}
	n := l.pending
	l.pending = 0
	data := strings.Join(l.lines, "\n")
	l.mu.Unlock()

	if !l.store.PutEntry(ctx, Key, cache.Meta{ContentType: "text/gemini", Tag: Tag}, []byte(data), cache.Forever) {
		l.mu.Lock()
		l.pending += n
		l.mu.Unlock()
		return false
	}
	log.Debug().Int("lines", n).Msg("access log flushed")
	return true
}

// Load restores a previously persisted log.
func (l *Log) Load(ctx context.Context) int {
	if l.store == nil {
		return 0
	}
	e, ok := l.store.Get(ctx, Key)
	if !ok {
		return 0
	}
	var restored []string
	for _, line := range strings.Split(string(e.Data), "\n") {
		if strings.HasPrefix(line, "=> ") {
			restored = append(restored, line)
		}
	}
	if len(restored) > l.max {
		restored = restored[len(restored)-l.max:]
	}
	l.mu.Lock()
	l.lines = append(restored, l.lines...)
	if len(l.lines) > l.max {
		l.lines = l.lines[len(l.lines)-l.max:]
	}
	l.mu.Unlock()
	return len(restored)
}

// Run flushes every interval until ctx is done, then flushes once more.
func (l *Log) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = FlushInterval
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			l.Flush(context.WithoutCancel(ctx))
			return
		case <-t.C:
			l.Flush(ctx)
		}
	}
}
