// Package audit implements the append-only, hash-chained audit log: every
// accepted request writes exactly one schema-validated NDJSON line, and the
// chain can be replayed to detect tampering (see Verifier).
package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sovereign-rag/gateway/internal/gwtypes"
	"github.com/sovereign-rag/gateway/internal/jsonutil"
	"github.com/sovereign-rag/gateway/internal/schema"
)

// Writer serializes every audit append through a single goroutine reading
// from a bounded channel: concurrent request handlers never contend on a
// file-append mutex, and ordering on disk matches the order writes were
// submitted.
type Writer struct {
	path     string
	schemas  *schema.Registry
	requests chan writeRequest
	done     chan struct{}

	mu       sync.Mutex
	lastHash string
}

type writeRequest struct {
	event gwtypes.AuditEvent
	reply chan writeReply
}

type writeReply struct {
	event gwtypes.AuditEvent
	err   error
}

// New opens (or creates) the audit log file at path, seeds the hash chain
// from its last well-formed line, and starts the single writer goroutine.
func New(path string, schemas *schema.Registry) (*Writer, error) {
	lastHash, err := lastPayloadHash(path)
	if err != nil {
		return nil, err
	}
	w := &Writer{
		path:     path,
		schemas:  schemas,
		requests: make(chan writeRequest, 256),
		done:     make(chan struct{}),
		lastHash: lastHash,
	}
	go w.run()
	return w, nil
}

// Close stops the writer goroutine once pending writes drain.
func (w *Writer) Close() {
	close(w.requests)
	<-w.done
}

func (w *Writer) run() {
	defer close(w.done)
	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		// Every queued request observes the same open failure; the
		// caller maps this to audit_write_failed / internal_error.
		for req := range w.requests {
			req.reply <- writeReply{err: fmt.Errorf("audit: open log: %w", err)}
		}
		return
	}
	defer f.Close()

	for req := range w.requests {
		event, err := w.appendLocked(f, req.event)
		req.reply <- writeReply{event: event, err: err}
	}
}

func (w *Writer) appendLocked(f *os.File, event gwtypes.AuditEvent) (gwtypes.AuditEvent, error) {
	if event.EventID == "" {
		event.EventID = uuid.NewString()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	event.PrevHash = w.lastHash
	event.PayloadHash = ""

	hash, err := jsonutil.SHA256Hex(event)
	if err != nil {
		return event, fmt.Errorf("audit: hash event: %w", err)
	}
	event.PayloadHash = hash

	if w.schemas != nil {
		if err := w.schemas.Validate(schema.AuditEvent, event); err != nil {
			return event, fmt.Errorf("audit: schema validation: %w", err)
		}
	}

	line, err := json.Marshal(event)
	if err != nil {
		return event, fmt.Errorf("audit: marshal line: %w", err)
	}
	line = append(line, '\n')
	if _, err := f.Write(line); err != nil {
		return event, fmt.Errorf("audit: append: %w", err)
	}
	// fsync is intentionally not called, trading durability for
	// throughput; a crash may truncate the last line and the verifier
	// tolerates that.

	w.lastHash = hash
	return event, nil
}

// WriteEvent augments event with event_id, created_at, prev_hash, and
// payload_hash, validates it against the audit-event schema, and appends it
// as one NDJSON line. It is safe for concurrent callers.
func (w *Writer) WriteEvent(ctx context.Context, event gwtypes.AuditEvent) (gwtypes.AuditEvent, error) {
	reply := make(chan writeReply, 1)
	select {
	case w.requests <- writeRequest{event: event, reply: reply}:
	case <-ctx.Done():
		return gwtypes.AuditEvent{}, ctx.Err()
	}
	select {
	case r := <-reply:
		return r.event, r.err
	case <-ctx.Done():
		return gwtypes.AuditEvent{}, ctx.Err()
	}
}

// lastPayloadHash scans the log file and returns the payload_hash of the last
// well-formed line, or "" if the file is absent or empty. Scanning stops at
// the first line that fails to parse (treated as a crash-truncated tail), so
// the hash returned is that of the line before it, or "" if it is the first.
func lastPayloadHash(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("audit: open log for seeding: %w", err)
	}
	defer f.Close()

	var last string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var partial struct {
			PayloadHash string `json:"payload_hash"`
		}
		if err := json.Unmarshal(line, &partial); err != nil {
			// Likely a truncated trailing line; stop without error,
			// seeding from the last well-formed line seen so far.
			break
		}
		last = partial.PayloadHash
	}
	if err := scanner.Err(); err != nil && err != io.EOF {
		return "", fmt.Errorf("audit: scan log: %w", err)
	}
	return last, nil
}
