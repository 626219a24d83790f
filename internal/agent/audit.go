package agent

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// AuditEvent is one completed turn in the NDJSON audit log.
type AuditEvent struct {
	Timestamp string `json:"ts"`
	SessionID string `json:"session_id"`
	Question  string `json:"question"`
	SQL       string `json:"sql,omitempty"`
	Outcome   string `json:"outcome"`
	Error     string `json:"error,omitempty"`
	Attempts  int    `json:"attempts"`
	RowCount  int    `json:"row_count"`
	Duration  string `json:"duration"`
}

// AuditLogConfig controls NDJSON turn audit logging.
type AuditLogConfig struct {
	Enabled       bool
	Dir           string
	GlobalEnabled bool
	GlobalPath    string
	QueueSize     int
}

// AuditLogger appends turn audit events to per-session NDJSON files,
// and optionally to one global stream. Writes happen on a background
// goroutine behind a bounded queue; a full queue drops the event
// rather than stalling a turn.
type AuditLogger struct {
	cfg    AuditLogConfig
	logger *slog.Logger

	queue chan AuditEvent
	done  chan struct{}
	wg    sync.WaitGroup
}

// NewAuditLogger creates the audit logger and starts its writer.
func NewAuditLogger(cfg AuditLogConfig, logger *slog.Logger) (*AuditLogger, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1000
	}

	a := &AuditLogger{
		cfg:    cfg,
		logger: logger,
		queue:  make(chan AuditEvent, cfg.QueueSize),
		done:   make(chan struct{}),
	}

	if !cfg.Enabled {
		return a, nil
	}

	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("create audit log directory: %w", err)
	}
	if cfg.GlobalEnabled {
		if err := os.MkdirAll(filepath.Dir(cfg.GlobalPath), 0755); err != nil {
			return nil, fmt.Errorf("create global audit log directory: %w", err)
		}
	}

	a.wg.Add(1)
	go a.writeLoop()
	return a, nil
}

// Log enqueues an event. Non-blocking; drops when the queue is full.
func (a *AuditLogger) Log(ev AuditEvent) {
	if !a.cfg.Enabled {
		return
	}
	select {
	case a.queue <- ev:
	default:
		a.logger.Warn("audit log queue full, dropping event", "session_id", ev.SessionID)
	}
}

// Close drains the queue and stops the writer.
func (a *AuditLogger) Close() error {
	if !a.cfg.Enabled {
		return nil
	}
	close(a.done)
	a.wg.Wait()
	return nil
}

func (a *AuditLogger) writeLoop() {
	defer a.wg.Done()
	for {
		select {
		case ev := <-a.queue:
			a.write(ev)
		case <-a.done:
			// Drain whatever is still queued before exiting.
			for {
				select {
				case ev := <-a.queue:
					a.write(ev)
				default:
					return
				}
			}
		}
	}
}

func (a *AuditLogger) write(ev AuditEvent) {
	line, err := json.Marshal(ev)
	if err != nil {
		a.logger.Warn("failed to marshal audit event", "error", err)
		return
	}
	line = append(line, '\n')

	path := filepath.Join(a.cfg.Dir, ev.SessionID+".ndjson")
	if err := appendFile(path, line); err != nil {
		a.logger.Warn("failed to write audit log", "path", path, "error", err)
	}

	if a.cfg.GlobalEnabled {
		if err := appendFile(a.cfg.GlobalPath, line); err != nil {
			a.logger.Warn("failed to write global audit log", "path", a.cfg.GlobalPath, "error", err)
		}
	}
}

func appendFile(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	_, err = f.Write(data)
	return err
}
