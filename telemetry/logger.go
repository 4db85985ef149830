package telemetry

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// CoordinatorLogger provides structured logging for the coordination core.
//
// Design:
//   - JSON format in Kubernetes (detected via KUBERNETES_SERVICE_HOST),
//     human-readable text for local development
//   - Level from PERSONAFORGE_LOG_LEVEL, debug via PERSONAFORGE_DEBUG
//   - Error logs are rate-limited so a provider outage cannot flood the
//     aggregation pipeline
//   - Thread-safe; implements core.Logger
type CoordinatorLogger struct {
	level       string
	debug       bool
	serviceName string
	component   string
	format      string
	output      io.Writer
	mu          sync.RWMutex

	errorLimiter *LogRateLimiter
}

// NewLogger creates a logger for a coordinator component.
// Configuration priority:
//  1. Environment variables (PERSONAFORGE_LOG_LEVEL, PERSONAFORGE_DEBUG,
//     PERSONAFORGE_LOG_FORMAT)
//  2. Auto-detection (Kubernetes environment)
//  3. Defaults
func NewLogger(serviceName, component string) *CoordinatorLogger {
	level := os.Getenv("PERSONAFORGE_LOG_LEVEL")
	if level == "" {
		level = "INFO"
	}

	debug := os.Getenv("PERSONAFORGE_DEBUG") == "true" ||
		strings.EqualFold(level, "DEBUG")

	format := "text"
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		format = "json" // JSON in K8s for log aggregation
	}
	if envFormat := os.Getenv("PERSONAFORGE_LOG_FORMAT"); envFormat != "" {
		format = envFormat
	}

	return &CoordinatorLogger{
		level:        strings.ToUpper(level),
		debug:        debug,
		serviceName:  serviceName,
		component:    component,
		format:       format,
		output:       os.Stdout,
		errorLimiter: NewLogRateLimiter(time.Second),
	}
}

// WithComponent returns a copy attributed to a different component.
func (l *CoordinatorLogger) WithComponent(component string) *CoordinatorLogger {
	l.mu.RLock()
	defer l.mu.RUnlock()
	dup := &CoordinatorLogger{
		level:        l.level,
		debug:        l.debug,
		serviceName:  l.serviceName,
		component:    component,
		format:       l.format,
		output:       l.output,
		errorLimiter: NewLogRateLimiter(time.Second),
	}
	return dup
}

// Info logs informational messages
func (l *CoordinatorLogger) Info(msg string, fields map[string]interface{}) {
	l.log("INFO", msg, fields)
}

// Warn logs warning messages
func (l *CoordinatorLogger) Warn(msg string, fields map[string]interface{}) {
	l.log("WARN", msg, fields)
}

// Error logs error messages with rate limiting
func (l *CoordinatorLogger) Error(msg string, fields map[string]interface{}) {
	if l.errorLimiter != nil && !l.errorLimiter.Allow() {
		return
	}
	l.log("ERROR", msg, fields)
}

// Debug logs debug messages (only when debug mode is enabled)
func (l *CoordinatorLogger) Debug(msg string, fields map[string]interface{}) {
	if !l.debug {
		return
	}
	l.log("DEBUG", msg, fields)
}

func (l *CoordinatorLogger) log(level, msg string, fields map[string]interface{}) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if !l.shouldLog(level) {
		return
	}

	timestamp := time.Now().Format(time.RFC3339)

	if l.format == "json" {
		l.logJSON(timestamp, level, msg, fields)
	} else {
		l.logText(timestamp, level, msg, fields)
	}
}

func (l *CoordinatorLogger) logJSON(timestamp, level, msg string, fields map[string]interface{}) {
	logEntry := map[string]interface{}{
		"timestamp": timestamp,
		"level":     level,
		"service":   l.serviceName,
		"component": l.component,
		"message":   msg,
	}

	for k, v := range fields {
		// Avoid overwriting core fields
		if k != "timestamp" && k != "level" && k != "service" && k != "component" && k != "message" {
			logEntry[k] = v
		}
	}

	if data, err := json.Marshal(logEntry); err == nil {
		fmt.Fprintln(l.output, string(data))
	}
}

func (l *CoordinatorLogger) logText(timestamp, level, msg string, fields map[string]interface{}) {
	var fieldStr strings.Builder
	if len(fields) > 0 {
		fieldStr.WriteString(" ")
		// Sort common fields first for readability
		for _, k := range []string{"operation", "endpoint", "provider", "error"} {
			if v, ok := fields[k]; ok {
				fieldStr.WriteString(fmt.Sprintf("%s=%v ", k, v))
				delete(fields, k)
			}
		}
		for k, v := range fields {
			fieldStr.WriteString(fmt.Sprintf("%s=%v ", k, v))
		}
	}

	fmt.Fprintf(l.output, "%s [%s] [%s:%s] %s%s\n",
		timestamp, level, l.serviceName, l.component, msg, fieldStr.String())
}

func (l *CoordinatorLogger) shouldLog(level string) bool {
	levels := map[string]int{
		"DEBUG": 0,
		"INFO":  1,
		"WARN":  2,
		"ERROR": 3,
	}

	currentLevel, ok1 := levels[l.level]
	messageLevel, ok2 := levels[level]
	if !ok1 || !ok2 {
		return true
	}
	return messageLevel >= currentLevel
}

// SetLevel dynamically updates the log level
func (l *CoordinatorLogger) SetLevel(level string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = strings.ToUpper(level)
	l.debug = l.level == "DEBUG"
}

// SetOutput changes the output writer (useful for testing)
func (l *CoordinatorLogger) SetOutput(w io.Writer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.output = w
}
