// Package dlog is a lightweight structured logger for daemon diagnostics.
//
// It is deliberately not the source of truth for anything: the EventLog owns
// durable per-agent history, and dlog exists purely so an operator can
// reconstruct what the daemon's single-threaded loop was doing around a given
// timestamp. When disabled (the default) every call is a no-op.
package dlog

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/substrat/substrat/internal/idgen"
)

const (
	// EnvEnabled toggles the logger for the current process and any daemon
	// children it spawns via provider subprocesses.
	EnvEnabled = "SUBSTRAT_DEBUG"
	// EnvLogPath forces logging into an already-open aggregate file, used so
	// a provider subprocess's own diagnostic output lands next to the
	// daemon's.
	EnvLogPath = "SUBSTRAT_DEBUG_LOG_PATH"
)

var (
	mu     sync.Mutex
	logger *os.File
	start  time.Time
)

// Init opens (or creates) the debug log and returns its path: the file
// named by SUBSTRAT_DEBUG_LOG_PATH if set, else a new file under
// root/debug/. Calling Init when logging is disabled is harmless but
// unnecessary — Event is a no-op until Init succeeds.
func Init(root string) (string, error) {
	mu.Lock()
	defer mu.Unlock()
	if logger != nil {
		return logger.Name(), nil
	}

	path := strings.TrimSpace(os.Getenv(EnvLogPath))
	if path == "" {
		dir := filepath.Join(root, "debug")
		if err := os.MkdirAll(dir, 0755); err != nil {
			return "", fmt.Errorf("dlog: create dir %s: %w", dir, err)
		}
		path = filepath.Join(dir, fmt.Sprintf("%s_%s.log", time.Now().UTC().Format("20060102T150405"), idgen.New()[:8]))
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return "", fmt.Errorf("dlog: open %s: %w", path, err)
	}
	logger = f
	start = time.Now()
	fmt.Fprintf(f, "=== substrat debug log opened pid=%d ===\n", os.Getpid())
	return path, nil
}

// Close flushes and releases the debug log. Safe to call when not initialized.
func Close() {
	mu.Lock()
	defer mu.Unlock()
	if logger == nil {
		return
	}
	fmt.Fprintf(logger, "=== substrat debug log closed after %s ===\n", time.Since(start).Truncate(time.Millisecond))
	logger.Close()
	logger = nil
}

// Enabled reports whether Init has succeeded and logging is active.
func Enabled() bool {
	mu.Lock()
	defer mu.Unlock()
	return logger != nil
}

// EnabledFromEnv reports whether the daemon should initialize dlog based on
// inherited environment, used so a resumed daemon keeps a caller's debug
// preference across restarts.
func EnabledFromEnv() bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(EnvEnabled)))
	switch v {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

// Event writes a component-tagged line. No-op when disabled.
func Event(component, msg string, kv ...any) {
	mu.Lock()
	f := logger
	mu.Unlock()
	if f == nil {
		return
	}

	var b strings.Builder
	b.WriteString(time.Now().UTC().Format("15:04:05.000000"))
	b.WriteString(" [")
	b.WriteString(component)
	b.WriteString("] ")
	b.WriteString(msg)
	for i := 0; i+1 < len(kv); i += 2 {
		fmt.Fprintf(&b, " %v=%v", kv[i], kv[i+1])
	}
	b.WriteByte('\n')

	mu.Lock()
	defer mu.Unlock()
	if logger != nil {
		logger.WriteString(b.String())
	}
}
