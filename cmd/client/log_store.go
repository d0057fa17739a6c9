package main

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	defaultLogCapacity = 2000
	defaultLogLimit    = 200
	maxLogLimit        = 2000
)

type logEntry struct {
	ID      int64  `json:"id"`
	Time    string `json:"time"`
	Level   string `json:"level"`
	Message string `json:"message"`
}

// logRing keeps the most recent client log lines for the API.
type logRing struct {
	lock     sync.Mutex
	capacity int
	entries  []logEntry
	lastID   int64
}

func newLogRing(capacity int) *logRing {
	if capacity <= 0 {
		capacity = defaultLogCapacity
	}
	return &logRing{capacity: capacity, entries: make([]logEntry, 0, capacity)}
}

func (r *logRing) add(level, message string, ts time.Time) {
	level = strings.ToLower(strings.TrimSpace(level))
	if level == "" {
		level = "info"
	}
	r.lock.Lock()
	defer r.lock.Unlock()
	r.lastID++
	r.entries = append(r.entries, logEntry{
		ID:      r.lastID,
		Time:    ts.Format(time.RFC3339),
		Level:   level,
		Message: strings.TrimSpace(message),
	})
	if over := len(r.entries) - r.capacity; over > 0 {
		r.entries = append(r.entries[:0:0], r.entries[over:]...)
	}
}

// list returns up to limit matching entries newer than sinceID, oldest first.
func (r *logRing) list(limit int, level, search string, sinceID int64) []logEntry {
	if limit <= 0 {
		limit = defaultLogLimit
	}
	if limit > maxLogLimit {
		limit = maxLogLimit
	}
	level = strings.ToLower(strings.TrimSpace(level))
	search = strings.ToLower(strings.TrimSpace(search))

	r.lock.Lock()
	defer r.lock.Unlock()
	start := len(r.entries)
	matched := 0
	for start > 0 && matched < limit {
		item := r.entries[start-1]
		if item.ID <= sinceID {
			break
		}
		start--
		if r.matches(item, level, search) {
			matched++
		}
	}
	out := make([]logEntry, 0, matched)
	for _, item := range r.entries[start:] {
		if r.matches(item, level, search) {
			out = append(out, item)
		}
	}
	return out
}

func (r *logRing) matches(item logEntry, level, search string) bool {
	if level != "" && item.Level != level {
		return false
	}
	return search == "" || strings.Contains(strings.ToLower(item.Message), search)
}

func (r *logRing) latestID() int64 {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.lastID
}

func (r *logRing) clear() {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.entries = r.entries[:0]
}

type logCaptureHook struct {
	ring *logRing
}

func (h logCaptureHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h logCaptureHook) Fire(entry *logrus.Entry) error {
	h.ring.add(entry.Level.String(), formatLogEntry(entry), entry.Time)
	return nil
}

func formatLogEntry(entry *logrus.Entry) string {
	if len(entry.Data) == 0 {
		return entry.Message
	}
	keys := make([]string, 0, len(entry.Data))
	for k := range entry.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(entry.Message)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, entry.Data[k])
	}
	return b.String()
}

var (
	clientLogs     = newLogRing(defaultLogCapacity)
	logCaptureOnce sync.Once
)

func installLogCapture() {
	logCaptureOnce.Do(func() {
		logrus.AddHook(logCaptureHook{ring: clientLogs})
	})
}
