// Package logger emits structured JSON log lines for code paths that
// handle recipient addresses or account credentials. Values are redacted
// before they are written, so a misconfigured log shipper cannot leak
// PII. Ordinary operational logging stays on the stdlib log package.
package logger

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"
)

// Level is the severity of a log entry. Entries below the configured
// level are dropped.
type Level int

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
)

func (l Level) String() string {
	switch l {
	case DEBUG:
		return "DEBUG"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	default:
		return "INFO"
	}
}

type jsonLogger struct {
	mu     sync.Mutex
	out    io.Writer
	level  Level
	redact bool
}

var std = &jsonLogger{out: os.Stderr, level: INFO, redact: true}

// SetLevel sets the minimum severity written.
func SetLevel(l Level) { std.level = l }

// SetRedactPII controls value redaction. Disable only in local
// debugging, never in a deployed process.
func SetRedactPII(on bool) { std.redact = on }

// Debug writes a DEBUG entry with alternating key/value fields.
func Debug(msg string, fields ...any) { std.write(DEBUG, msg, fields) }

// Info writes an INFO entry with alternating key/value fields.
func Info(msg string, fields ...any) { std.write(INFO, msg, fields) }

// Warn writes a WARN entry with alternating key/value fields.
func Warn(msg string, fields ...any) { std.write(WARN, msg, fields) }

// Error writes an ERROR entry with alternating key/value fields.
func Error(msg string, fields ...any) { std.write(ERROR, msg, fields) }

func (l *jsonLogger) write(level Level, msg string, fields []any) {
	if level < l.level {
		return
	}

	entry := make(map[string]string, len(fields)/2+3)
	entry["time"] = time.Now().UTC().Format(time.RFC3339)
	entry["level"] = level.String()
	entry["msg"] = msg

	for i := 0; i+1 < len(fields); i += 2 {
		key := fmt.Sprintf("%v", fields[i])
		val := fmt.Sprintf("%v", fields[i+1])
		if l.redact {
			val = redactValue(key, val)
		}
		entry[key] = val
	}

	line, err := json.Marshal(entry)
	if err != nil {
		return
	}
	l.mu.Lock()
	fmt.Fprintln(l.out, string(line))
	l.mu.Unlock()
}

var embeddedEmail = regexp.MustCompile(`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`)

var secretKeywords = []string{"password", "api_key", "apikey", "token", "secret"}

// redactValue masks recipient addresses and blanks credential-bearing
// fields. Generic fields are scanned for embedded addresses too, since
// backend error strings often quote the recipient.
func redactValue(key, val string) string {
	lower := strings.ToLower(key)
	for _, kw := range secretKeywords {
		if strings.Contains(lower, kw) {
			return "[redacted]"
		}
	}
	if strings.Contains(lower, "email") || strings.Contains(lower, "recipient") {
		return RedactEmail(val)
	}
	return embeddedEmail.ReplaceAllStringFunc(val, RedactEmail)
}
