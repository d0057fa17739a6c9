package engine

import (
	"strings"
	"sync"
	"time"
)

type OutputLine struct {
	ID      int64  `json:"id"`
	Time    string `json:"time"`
	Mode    string `json:"mode"`
	Level   string `json:"level"`
	Message string `json:"message"`
}

// OutputLog keeps the most recent engine output lines.
type OutputLog struct {
	lock     sync.Mutex
	capacity int
	lines    []OutputLine
	nextID   int64
}

func NewOutputLog(capacity int) *OutputLog {
	if capacity <= 0 {
		capacity = 2000
	}
	return &OutputLog{
		capacity: capacity,
		lines:    make([]OutputLine, 0, capacity),
		nextID:   1,
	}
}

func (o *OutputLog) Append(mode Mode, message string, ts time.Time) OutputLine {
	if o == nil {
		return OutputLine{}
	}
	message = strings.TrimSpace(message)

	o.lock.Lock()
	defer o.lock.Unlock()

	item := OutputLine{
		ID:      o.nextID,
		Time:    ts.Format(time.RFC3339),
		Mode:    mode.String(),
		Level:   detectOutputLevel(message),
		Message: message,
	}
	o.nextID++
	o.lines = append(o.lines, item)
	if len(o.lines) > o.capacity {
		trim := len(o.lines) - o.capacity
		o.lines = append([]OutputLine(nil), o.lines[trim:]...)
	}
	return item
}

// List returns up to limit lines newer than sinceID, oldest first.
func (o *OutputLog) List(limit int, level string, sinceID int64) []OutputLine {
	if o == nil {
		return nil
	}
	if limit <= 0 {
		limit = 200
	}
	if limit > 2000 {
		limit = 2000
	}
	level = strings.ToLower(strings.TrimSpace(level))

	o.lock.Lock()
	defer o.lock.Unlock()

	out := make([]OutputLine, 0, limit)
	for i := len(o.lines) - 1; i >= 0; i-- {
		item := o.lines[i]
		if sinceID > 0 && item.ID <= sinceID {
			continue
		}
		if level != "" && item.Level != level {
			continue
		}
		out = append(out, item)
		if len(out) >= limit {
			break
		}
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// detectOutputLevel understands sing-box ("FATAL[0000] ...") and logfmt
// ("level=error ...") style lines.
func detectOutputLevel(message string) string {
	upper := strings.ToUpper(message)
	for _, level := range []string{"FATAL", "PANIC", "ERROR", "WARN", "INFO", "DEBUG", "TRACE"} {
		if strings.Contains(upper, level+"[") || strings.Contains(upper, "LEVEL="+level) {
			return strings.ToLower(level)
		}
	}
	if strings.HasPrefix(message, "panic:") {
		return "panic"
	}
	return "info"
}

func isFatalOutput(line OutputLine) bool {
	return line.Level == "fatal" || line.Level == "panic"
}
