package messaging

import (
	"fmt"
	"log/slog"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	domain "huddle/internal/domain/messaging"
)

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

func normalizeLimit(limit int) int {
	if limit <= 0 || limit > maxPageSize {
		return defaultPageSize
	}
	return limit
}

// Cursors are "<unix nanos>|<id>" of the last item of the previous page.
func buildCursor(t time.Time, id string) string {
	return fmt.Sprintf("%d|%s", t.UnixNano(), id)
}

func parseCursor(op, raw string) (time.Time, string, error) {
	if raw == "" {
		return time.Time{}, "", nil
	}
	nanos, id, ok := strings.Cut(raw, "|")
	if !ok || id == "" {
		return time.Time{}, "", domain.Fail(op, domain.ErrValidation, "invalid cursor")
	}
	n, err := strconv.ParseInt(nanos, 10, 64)
	if err != nil {
		return time.Time{}, "", domain.Fail(op, domain.ErrValidation, "invalid cursor")
	}
	return time.Unix(0, n).UTC(), id, nil
}

// afterCursor reports whether (t, id) sorts strictly after the cursor in a
// descending listing.
func afterCursor(t time.Time, id string, ct time.Time, cid string) bool {
	if t.Before(ct) {
		return true
	}
	return t.Equal(ct) && id < cid
}

// registry tracks live subscriptions under synthetic keys such as
// "messages_<conversation id>" so Disconnect can release all of them.
type registry struct {
	mu      sync.Mutex
	entries map[string]func()
	seq     int
}

func (r *registry) add(key string, stop func()) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.entries == nil {
		r.entries = make(map[string]func())
	}
	r.seq++
	full := key
	if _, taken := r.entries[full]; taken {
		full = fmt.Sprintf("%s#%d", key, r.seq)
	}
	r.entries[full] = stop
	return full
}

func (r *registry) remove(key string) {
	r.mu.Lock()
	delete(r.entries, key)
	r.mu.Unlock()
}

func (r *registry) keys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.entries))
	for k := range r.entries {
		out = append(out, k)
	}
	return out
}

// drain removes every entry and returns the stop functions.
func (r *registry) drain() []func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]func(), 0, len(r.entries))
	for k, stop := range r.entries {
		out = append(out, stop)
		delete(r.entries, k)
	}
	return out
}

// track registers stop under key and returns an idempotent Unsubscribe that
// also forgets the registry entry.
func (r *registry) track(kind, key string, metrics Metrics, stop func()) Unsubscribe {
	var once sync.Once
	release := func() {
		once.Do(func() {
			stop()
			metrics.SubscriptionClosed(kind)
		})
	}
	full := r.add(key, release)
	metrics.SubscriptionOpened(kind)
	return func() {
		release()
		r.remove(full)
	}
}

// deliver invokes a subscriber callback, containing panics so one broken
// consumer cannot kill the listener.
func deliver[T any](logger *slog.Logger, kind string, fn func(T), v T) {
	defer func() {
		if r := recover(); r != nil {
			logger.Warn("subscription callback panicked", "subscription", kind, "panic", r)
		}
	}()
	fn(v)
}

func validateUpload(op string, up AttachmentUpload, max int64) (AttachmentUpload, error) {
	up.Name = path.Base(strings.TrimSpace(strings.ReplaceAll(up.Name, "\\", "/")))
	if up.Name == "" || up.Name == "." || up.Name == "/" {
		return up, domain.Fail(op, domain.ErrValidation, "attachment name is required")
	}
	if up.Body == nil {
		return up, domain.Fail(op, domain.ErrValidation, "attachment is empty")
	}
	if up.Size <= 0 {
		return up, domain.Fail(op, domain.ErrValidation, "attachment is empty")
	}
	if up.Size > max {
		return up, domain.Failf(op, domain.ErrValidation, "attachment is %s, the limit is %s",
			humanize.IBytes(uint64(up.Size)), humanize.IBytes(uint64(max)))
	}
	if up.ContentType == "" {
		up.ContentType = "application/octet-stream"
	}
	return up, nil
}

func attachmentPath(conversationID, attachmentID, name string) string {
	return path.Join("conversations", conversationID, attachmentID, name)
}
