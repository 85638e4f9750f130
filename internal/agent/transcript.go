package agent

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// TranscriptEvent is one NDJSON line in a conversation transcript.
type TranscriptEvent struct {
	Timestamp string `json:"ts"`
	Peer      string `json:"peer"`
	Direction string `json:"direction"` // inbound (peer -> agent) or outbound
	Content   string `json:"content"`
}

// TranscriptLogger records conversation transcripts.
type TranscriptLogger interface {
	Log(event TranscriptEvent)
	Close() error
}

// NoopTranscript discards all events.
type NoopTranscript struct{}

func (NoopTranscript) Log(TranscriptEvent) {}
func (NoopTranscript) Close() error        { return nil }

// TranscriptConfig configures the file-backed transcript logger.
type TranscriptConfig struct {
	Enabled   bool
	Dir       string
	QueueSize int
}

// FileTranscript writes one NDJSON file per peer under a base directory.
// Events are queued and written by a background goroutine; when the queue is
// full events are dropped rather than blocking the responder.
type FileTranscript struct {
	dir    string
	queue  chan TranscriptEvent
	done   chan struct{}
	logger *slog.Logger

	mu    sync.Mutex
	files map[string]*os.File
}

// NewTranscriptLogger creates a transcript logger per cfg. A disabled config
// yields a NoopTranscript.
func NewTranscriptLogger(cfg TranscriptConfig, logger *slog.Logger) (TranscriptLogger, error) {
	if !cfg.Enabled {
		return NoopTranscript{}, nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1000
	}
	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("create transcript directory: %w", err)
	}

	t := &FileTranscript{
		dir:    cfg.Dir,
		queue:  make(chan TranscriptEvent, cfg.QueueSize),
		done:   make(chan struct{}),
		logger: logger,
		files:  make(map[string]*os.File),
	}
	go t.writeLoop()
	return t, nil
}

// Log queues an event for writing. Never blocks; drops when the queue is full.
func (t *FileTranscript) Log(event TranscriptEvent) {
	select {
	case t.queue <- event:
	default:
		t.logger.Warn("Transcript queue full, dropping event", "peer", event.Peer)
	}
}

// Close drains the queue and closes all transcript files.
func (t *FileTranscript) Close() error {
	close(t.queue)
	<-t.done

	t.mu.Lock()
	defer t.mu.Unlock()
	var firstErr error
	for peer, f := range t.files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close transcript for %s: %w", peer, err)
		}
	}
	t.files = make(map[string]*os.File)
	return firstErr
}

func (t *FileTranscript) writeLoop() {
	defer close(t.done)
	for event := range t.queue {
		if err := t.write(event); err != nil {
			t.logger.Warn("Failed to write transcript event", "peer", event.Peer, "error", err)
		}
	}
}

func (t *FileTranscript) write(event TranscriptEvent) error {
	f, err := t.fileFor(event.Peer)
	if err != nil {
		return err
	}
	line, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	return nil
}

func (t *FileTranscript) fileFor(peer string) (*os.File, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if f, ok := t.files[peer]; ok {
		return f, nil
	}
	name := sanitizeFilename(peer) + ".ndjson"
	f, err := os.OpenFile(filepath.Join(t.dir, name), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open transcript file: %w", err)
	}
	t.files[peer] = f
	return f, nil
}

func sanitizeFilename(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-' || r == '_' || r == '.':
			return r
		default:
			return '_'
		}
	}, s)
}
