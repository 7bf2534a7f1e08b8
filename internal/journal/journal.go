package journal

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/channelmesh/topicbus/contracts"
)

// EntryType identifies a journal record.
type EntryType string

const (
	EntryEnqueue    EntryType = "enqueue"
	EntryAck        EntryType = "ack"
	EntryDeadLetter EntryType = "dead-letter"
	EntryPurge      EntryType = "purge"
)

// Entry is one record in a queue's append-only journal. Enqueue entries carry
// the full message; settlement entries reference it by ID.
type Entry struct {
	Type          EntryType         `json:"type"`
	MessageID     string            `json:"messageId"`
	RoutingKey    string            `json:"routingKey,omitempty"`
	Payload       []byte            `json:"payload,omitempty"`
	CorrelationID string            `json:"correlationId,omitempty"`
	Headers       map[string]string `json:"headers,omitempty"`
	CreatedAt     time.Time         `json:"createdAt,omitempty"`
	RecordedAt    time.Time         `json:"recordedAt"`
}

var ErrJournalClosed = errors.New("topicbus: journal is closed")

// QueueJournal is the append-only durability log for one durable queue. A
// message counts as durably recorded once Append returns; with sync enabled
// (the default) that includes an fsync, so the record survives a crash.
type QueueJournal struct {
	mu     sync.Mutex
	path   string
	file   *os.File
	writer *bufio.Writer
	sync   bool
	logger *slog.Logger
	closed bool
}

// JournalOption configures a queue journal
type JournalOption func(*QueueJournal)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) JournalOption {
	return func(j *QueueJournal) {
		j.logger = logger
	}
}

// WithNoSync disables the per-append fsync. Faster, but a crash can lose
// confirmed messages; use only where the durability guarantee is not needed.
func WithNoSync() JournalOption {
	return func(j *QueueJournal) {
		j.sync = false
	}
}

// Open opens (creating if needed) the journal for a queue under dir.
func Open(dir, queue string, options ...JournalOption) (*QueueJournal, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}

	path := filepath.Join(dir, queue+".journal")
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal %s: %w", path, err)
	}

	j := &QueueJournal{
		path:   path,
		file:   file,
		writer: bufio.NewWriter(file),
		sync:   true,
		logger: slog.Default(),
	}

	for _, opt := range options {
		opt(j)
	}

	return j, nil
}

// Append writes one entry and, unless disabled, fsyncs it.
func (j *QueueJournal) Append(entry Entry) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return ErrJournalClosed
	}

	if entry.RecordedAt.IsZero() {
		entry.RecordedAt = time.Now().UTC()
	}

	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode journal entry: %w", err)
	}

	if _, err := j.writer.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to write journal entry: %w", err)
	}
	if err := j.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush journal: %w", err)
	}
	if j.sync {
		if err := j.file.Sync(); err != nil {
			return fmt.Errorf("failed to sync journal: %w", err)
		}
	}
	return nil
}

// AppendMessage journals an enqueue for the message.
func (j *QueueJournal) AppendMessage(msg *contracts.Message) error {
	return j.Append(Entry{
		Type:          EntryEnqueue,
		MessageID:     msg.ID,
		RoutingKey:    msg.RoutingKey,
		Payload:       msg.Payload,
		CorrelationID: msg.CorrelationID,
		Headers:       msg.Headers,
		CreatedAt:     msg.CreatedAt,
	})
}

// AppendSettlement journals an ack or dead-letter for the message ID.
func (j *QueueJournal) AppendSettlement(entryType EntryType, messageID string) error {
	return j.Append(Entry{Type: entryType, MessageID: messageID})
}

// Replay reads the journal from the start and reconstructs the live pending
// messages in original enqueue order: every enqueue not later acked,
// dead-lettered, or wiped by a purge.
func (j *QueueJournal) Replay() ([]*contracts.Message, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return nil, ErrJournalClosed
	}

	if err := j.writer.Flush(); err != nil {
		return nil, fmt.Errorf("failed to flush journal before replay: %w", err)
	}
	if _, err := j.file.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("failed to seek journal: %w", err)
	}

	var order []string
	live := make(map[string]*contracts.Message)

	scanner := bufio.NewScanner(j.file)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var entry Entry
		if err := json.Unmarshal(line, &entry); err != nil {
			// A torn final write is expected after a crash; anything else in
			// the middle of the log is corruption worth surfacing.
			j.logger.Warn("skipping unreadable journal entry",
				"path", j.path,
				"error", err,
			)
			continue
		}

		switch entry.Type {
		case EntryEnqueue:
			if _, exists := live[entry.MessageID]; !exists {
				order = append(order, entry.MessageID)
			}
			live[entry.MessageID] = &contracts.Message{
				ID:            entry.MessageID,
				RoutingKey:    entry.RoutingKey,
				Payload:       entry.Payload,
				CorrelationID: entry.CorrelationID,
				Headers:       entry.Headers,
				Persistent:    true,
				CreatedAt:     entry.CreatedAt,
			}
		case EntryAck, EntryDeadLetter:
			delete(live, entry.MessageID)
		case EntryPurge:
			live = make(map[string]*contracts.Message)
			order = nil
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read journal: %w", err)
	}

	if _, err := j.file.Seek(0, io.SeekEnd); err != nil {
		return nil, fmt.Errorf("failed to seek journal end: %w", err)
	}

	messages := make([]*contracts.Message, 0, len(live))
	for _, id := range order {
		if msg, ok := live[id]; ok {
			messages = append(messages, msg)
		}
	}
	return messages, nil
}

// Compact rewrites the journal to contain only the given live messages,
// discarding settled history. Called after replay on open.
func (j *QueueJournal) Compact(pending []*contracts.Message) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return ErrJournalClosed
	}

	tmpPath := j.path + ".tmp"
	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create compaction file: %w", err)
	}

	writer := bufio.NewWriter(tmp)
	for _, msg := range pending {
		line, err := json.Marshal(Entry{
			Type:          EntryEnqueue,
			MessageID:     msg.ID,
			RoutingKey:    msg.RoutingKey,
			Payload:       msg.Payload,
			CorrelationID: msg.CorrelationID,
			Headers:       msg.Headers,
			CreatedAt:     msg.CreatedAt,
			RecordedAt:    time.Now().UTC(),
		})
		if err != nil {
			tmp.Close()
			return fmt.Errorf("failed to encode compacted entry: %w", err)
		}
		if _, err := writer.Write(append(line, '\n')); err != nil {
			tmp.Close()
			return fmt.Errorf("failed to write compacted entry: %w", err)
		}
	}
	if err := writer.Flush(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to flush compaction file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync compaction file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close compaction file: %w", err)
	}

	if err := j.file.Close(); err != nil {
		return fmt.Errorf("failed to close journal for compaction: %w", err)
	}
	if err := os.Rename(tmpPath, j.path); err != nil {
		return fmt.Errorf("failed to swap compacted journal: %w", err)
	}

	file, err := os.OpenFile(j.path, os.O_APPEND|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("failed to reopen compacted journal: %w", err)
	}
	j.file = file
	j.writer = bufio.NewWriter(file)
	return nil
}

// Close flushes and closes the journal file.
func (j *QueueJournal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return nil
	}
	j.closed = true

	if err := j.writer.Flush(); err != nil {
		j.file.Close()
		return fmt.Errorf("failed to flush journal on close: %w", err)
	}
	return j.file.Close()
}

// Remove deletes a queue's journal file from dir, for queue deletion.
func Remove(dir, queue string) error {
	err := os.Remove(filepath.Join(dir, queue+".journal"))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
