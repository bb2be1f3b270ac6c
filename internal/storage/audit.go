package storage

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/golang/snappy"

	"recordable/server/internal/score"
)

// AuditFileName is the snappy-framed JSONL log of store mutations inside a file store.
const AuditFileName = "events.jsonl.sz"

// Audit actions.
const (
	AuditStored  = "stored"
	AuditDeleted = "deleted"
	AuditExpired = "expired"
)

// AuditEvent is one line of the store audit log.
type AuditEvent struct {
	Time    time.Time `json:"time"`
	Action  string    `json:"action"`
	ScoreID score.ID  `json:"score_id"`
	Bytes   int       `json:"bytes,omitempty"`
	Reason  string    `json:"reason,omitempty"`
}

// auditLog appends events to a snappy stream. Each open starts a new stream in the same
// file; readers accept the concatenation.
type auditLog struct {
	mu     sync.Mutex
	file   *os.File
	stream *snappy.Writer
}

func openAuditLog(path string) (*auditLog, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	return &auditLog{file: file, stream: snappy.NewBufferedWriter(file)}, nil
}

// Append writes one event and flushes it so crashes lose at most the current line.
func (a *auditLog) Append(event AuditEvent) error {
	if a == nil {
		return nil
	}
	line, err := json.Marshal(event)
	if err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stream == nil {
		return errors.New("audit log closed")
	}
	if _, err := a.stream.Write(append(line, '\n')); err != nil {
		return err
	}
	return a.stream.Flush()
}

// Close flushes and closes the log, joining the first failures of each layer.
func (a *auditLog) Close() error {
	if a == nil {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stream == nil {
		return nil
	}
	streamErr := a.stream.Close()
	fileErr := a.file.Close()
	a.stream = nil
	return errors.Join(streamErr, fileErr)
}

// ReadAuditLog decodes every event recorded in the audit log at path.
func ReadAuditLog(path string) ([]AuditEvent, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var events []AuditEvent
	scanner := bufio.NewScanner(snappy.NewReader(file))
	for scanner.Scan() {
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var event AuditEvent
		if err := json.Unmarshal(scanner.Bytes(), &event); err != nil {
			return nil, fmt.Errorf("decode audit event: %w", err)
		}
		events = append(events, event)
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("read audit log: %w", err)
	}
	return events, nil
}
