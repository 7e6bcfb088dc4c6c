// Package logpipe pulls agent process logs out of a tenant's sandbox,
// classifies them, and ships them to blob storage as NDJSON batches.
// Loss is tolerated: a failed flush drops the batch rather than letting
// the buffer grow without bound.
package logpipe

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"github.com/mavenhq/agenthost/internal/blob"
	"github.com/mavenhq/agenthost/internal/sandbox"
	"github.com/mavenhq/agenthost/internal/supervisor"
)

// MaxBuffered caps the in-memory entry buffer. Reaching the cap
// triggers an immediate flush.
const MaxBuffered = 100

// RetentionDays is how long flushed batches stay in blob storage.
const RetentionDays = 7

// Entry is one classified log line.
type Entry struct {
	Timestamp time.Time `json:"timestamp"`
	TenantID  string    `json:"tenantId"`
	Severity  string    `json:"severity"`
	Message   string    `json:"message"`
}

// Pipeline tracks the read offset into a sandbox's agent log and the
// buffered entries awaiting flush. Like the rest of a tenant's runtime
// state it is owned by a single controller goroutine.
type Pipeline struct {
	tenantID string
	handle   sandbox.Handle
	store    blob.Store
	logger   *log.Logger

	offset int // lines already consumed from the agent log
	buffer []Entry

	now func() time.Time
}

// New creates a pipeline for one tenant's sandbox.
func New(tenantID string, handle sandbox.Handle, store blob.Store) *Pipeline {
	return &Pipeline{
		tenantID: tenantID,
		handle:   handle,
		store:    store,
		logger:   log.NewWithOptions(os.Stderr, log.Options{Prefix: "logpipe"}),
		now:      time.Now,
	}
}

// Reset clears the offset and buffer. Called when the sandbox is
// destroyed so a future rebuild starts reading a fresh log file.
func (p *Pipeline) Reset() {
	p.offset = 0
	p.buffer = nil
}

// Buffered returns the number of entries awaiting flush.
func (p *Pipeline) Buffered() int {
	return len(p.buffer)
}

// Pull reads lines appended to the agent log since the last pull,
// classifies each and appends them to the buffer. Pull failures are
// swallowed: the offset is left untouched so the next pull retries the
// same range.
func (p *Pipeline) Pull(ctx context.Context) {
	res, err := p.handle.Exec(ctx, fmt.Sprintf("tail -n +%d %s 2>/dev/null", p.offset+1, supervisor.AgentLogFile))
	if err != nil {
		p.logger.Debug("log pull failed", "tenant", p.tenantID, "error", err)
		return
	}
	if res.Stdout == "" {
		return
	}

	lines := strings.Split(strings.TrimRight(res.Stdout, "\n"), "\n")
	ts := p.now()
	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			p.offset++
			continue
		}
		p.append(ctx, Entry{
			Timestamp: ts,
			TenantID:  p.tenantID,
			Severity:  Classify(line),
			Message:   line,
		})
		p.offset++
	}
}

// append buffers one entry, flushing first when the buffer is full so a
// chatty agent never outruns the flush timer.
func (p *Pipeline) append(ctx context.Context, e Entry) {
	if len(p.buffer) >= MaxBuffered {
		p.Flush(ctx)
	}
	p.buffer = append(p.buffer, e)
}

// Classify assigns a severity by keyword scan. Error markers win over
// warning markers; anything unrecognized is info.
func Classify(line string) string {
	lower := strings.ToLower(line)
	switch {
	case strings.Contains(lower, "error"),
		strings.Contains(lower, "fatal"),
		strings.Contains(lower, "panic"),
		strings.Contains(lower, "exception"),
		strings.Contains(lower, "traceback"):
		return "error"
	case strings.Contains(lower, "warn"):
		return "warn"
	default:
		return "info"
	}
}

// Flush writes the buffered entries to blob storage as one NDJSON
// object and clears the buffer. The buffer is cleared even when the
// write fails; that batch is lost, which keeps a broken store from
// backing up memory in every tenant controller.
func (p *Pipeline) Flush(ctx context.Context) {
	if len(p.buffer) == 0 {
		return
	}
	batch := p.buffer
	p.buffer = nil

	var b strings.Builder
	for _, e := range batch {
		line, err := json.Marshal(e)
		if err != nil {
			continue
		}
		b.Write(line)
		b.WriteByte('\n')
	}

	ts := p.now()
	key := fmt.Sprintf("logs/%s/%s/%d.ndjson", p.tenantID, ts.UTC().Format("2006-01-02"), ts.UnixNano())
	if err := p.store.Put(ctx, key, []byte(b.String()), map[string]string{"tenant": p.tenantID}); err != nil {
		p.logger.Warn("log flush failed, batch dropped",
			"tenant", p.tenantID, "entries", len(batch), "error", err)
		return
	}
	p.logger.Debug("flushed log batch", "tenant", p.tenantID, "entries", len(batch), "key", key)
}

// CleanupOld deletes this tenant's flushed batches older than the
// retention window. Dates come from the object key path rather than
// store metadata so every backend behaves the same.
func (p *Pipeline) CleanupOld(ctx context.Context) error {
	prefix := fmt.Sprintf("logs/%s/", p.tenantID)
	objects, err := p.store.List(ctx, prefix)
	if err != nil {
		return fmt.Errorf("list log batches: %w", err)
	}

	cutoff := p.now().UTC().AddDate(0, 0, -RetentionDays)
	var deleted int
	for _, obj := range objects {
		rest := strings.TrimPrefix(obj.Key, prefix)
		dateDir, _, ok := strings.Cut(rest, "/")
		if !ok {
			continue
		}
		day, err := time.Parse("2006-01-02", dateDir)
		if err != nil {
			continue
		}
		if !day.Before(cutoff) {
			continue
		}
		if err := p.store.Delete(ctx, obj.Key); err != nil {
			p.logger.Warn("log cleanup delete failed", "tenant", p.tenantID, "key", obj.Key, "error", err)
			continue
		}
		deleted++
	}
	if deleted > 0 {
		p.logger.Info("cleaned up old log batches", "tenant", p.tenantID, "deleted", deleted)
	}
	return nil
}
