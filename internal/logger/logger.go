// Package logger configures the process logger and keeps the most recent
// messages in memory so the node API can serve them.
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Message represents a single log message
type Message struct {
	Timestamp time.Time              `json:"timestamp"`
	Text      string                 `json:"text"`
	Level     string                 `json:"level"` // debug, info, warning, error
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// Ring is a logrus hook holding the last maxSize entries.
type Ring struct {
	mu       sync.RWMutex
	messages []Message
	maxSize  int
}

// NewRing creates a ring with the specified max message count
func NewRing(maxSize int) *Ring {
	if maxSize <= 0 {
		maxSize = 1
	}
	return &Ring{
		messages: make([]Message, 0, maxSize),
		maxSize:  maxSize,
	}
}

// Levels implements logrus.Hook.
func (r *Ring) Levels() []logrus.Level {
	return logrus.AllLevels
}

// Fire implements logrus.Hook.
func (r *Ring) Fire(entry *logrus.Entry) error {
	msg := Message{
		Timestamp: entry.Time,
		Text:      entry.Message,
		Level:     entry.Level.String(),
	}
	if len(entry.Data) > 0 {
		msg.Fields = make(map[string]interface{}, len(entry.Data))
		for k, v := range entry.Data {
			if err, ok := v.(error); ok {
				v = err.Error()
			}
			msg.Fields[k] = v
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.messages = append(r.messages, msg)

	// Keep only the last maxSize messages
	if len(r.messages) > r.maxSize {
		r.messages = r.messages[len(r.messages)-r.maxSize:]
	}
	return nil
}

// GetRecent returns the most recent n messages (newest first)
func (r *Ring) GetRecent(n int) []Message {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if n <= 0 || n > len(r.messages) {
		n = len(r.messages)
	}

	result := make([]Message, n)
	for i := 0; i < n; i++ {
		result[i] = r.messages[len(r.messages)-1-i]
	}

	return result
}

// Options control how New builds the logger.
type Options struct {
	Level    string // logrus level name, default info
	Format   string // "json" or "text"
	File     string // optional file receiving a copy of the output
	RingSize int    // messages kept for the API
}

// New builds a logrus logger writing to stderr (and File when set) with a
// Ring hook attached. The returned closer releases the log file.
func New(opts Options) (*logrus.Logger, *Ring, io.Closer, error) {
	log := logrus.New()

	level := logrus.InfoLevel
	if opts.Level != "" {
		parsed, err := logrus.ParseLevel(opts.Level)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("log level: %w", err)
		}
		level = parsed
	}
	log.SetLevel(level)

	switch strings.ToLower(opts.Format) {
	case "json":
		log.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	default:
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	var closer io.Closer = nopCloser{}
	if opts.File != "" {
		f, err := os.OpenFile(opts.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("open log file: %w", err)
		}
		log.SetOutput(io.MultiWriter(os.Stderr, f))
		closer = f
	}

	ringSize := opts.RingSize
	if ringSize <= 0 {
		ringSize = 500
	}
	ring := NewRing(ringSize)
	log.AddHook(ring)

	return log, ring, closer, nil
}

// Discard returns a logger that drops all output, for tests.
func Discard() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
