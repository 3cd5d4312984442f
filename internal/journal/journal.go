// Package journal maintains the daemon's append-only timeline. Every action,
// human verdict, token transition, and role application becomes one record
// with a monotonic cursor and a tamper-evident hash chain. Records land in
// the configured store and, when a directory is set, in one NDJSON file per
// UTC day.
package journal

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/agentleash/agentleash/internal/store"
)

// Record kinds.
const (
	KindEvent       = "event"
	KindDecision    = "decision"
	KindToken       = "token"
	KindRoleApplied = "roleApplied"
)

// ErrClosed is returned by Append after Close.
var ErrClosed = errors.New("journal closed")

// Journal is a single-appender, many-reader log. Appends are serialized
// under one mutex; reads go straight to the store.
type Journal struct {
	mu       sync.Mutex
	store    store.Store
	dir      string // "" disables the daily NDJSON files
	cursor   uint64
	lastHash string
	lastTs   int64
	file     *os.File
	fileDay  string
	notify   func(*store.Record)
	closed   bool
	logger   *slog.Logger
}

// New creates a journal on top of st. dir is where daily NDJSON files go;
// empty means no files (memory mode). Existing records decide the starting
// cursor and chain head.
func New(st store.Store, dir string, logger *slog.Logger) (*Journal, error) {
	if logger == nil {
		logger = slog.Default()
	}
	j := &Journal{
		store:    st,
		dir:      dir,
		lastHash: GenesisHash(),
		logger:   logger.With("component", "journal.Journal"),
	}

	max, err := st.MaxCursor()
	if err != nil {
		return nil, fmt.Errorf("failed to read journal cursor: %w", err)
	}
	j.cursor = max
	if max > 0 {
		recs, err := st.RecordsSince(max-1, 2)
		if err != nil {
			return nil, fmt.Errorf("failed to read journal head: %w", err)
		}
		if len(recs) > 0 {
			head := recs[len(recs)-1]
			j.lastHash = head.Hash
			j.lastTs = head.Ts
		}
	}

	if dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create journal dir: %w", err)
		}
	}

	j.logger.Debug("journal opened", "cursor", j.cursor, "dir", dir)
	return j, nil
}

// SetNotify registers a callback invoked for every appended record, in
// append order. Set once during wiring, before traffic.
func (j *Journal) SetNotify(fn func(*store.Record)) {
	j.mu.Lock()
	j.notify = fn
	j.mu.Unlock()
}

// Append adds one record. payload is marshalled unless it is already raw
// JSON. The record is durable in the store when Append returns; the daily
// NDJSON file is a best-effort mirror of it.
func (j *Journal) Append(kind, agent string, payload any) (*store.Record, error) {
	raw, err := toRawJSON(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal journal payload: %w", err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return nil, ErrClosed
	}

	ts := time.Now().UnixMilli()
	if ts < j.lastTs {
		ts = j.lastTs
	}

	rec := &store.Record{
		Cursor:   j.cursor + 1,
		Ts:       ts,
		Kind:     kind,
		Agent:    agent,
		Payload:  raw,
		PrevHash: j.lastHash,
	}
	rec.Hash = ComputeHash(rec)

	if err := j.store.AppendRecord(rec); err != nil {
		return nil, fmt.Errorf("failed to append journal record: %w", err)
	}
	// The store is the commit point. Once the record is in, the chain head
	// must advance even when the daily file cannot be written, or the next
	// append would reuse a committed cursor.
	if err := j.writeLine(rec); err != nil {
		j.logger.Warn("journal file write failed", "cursor", rec.Cursor, "error", err)
	}

	j.cursor = rec.Cursor
	j.lastHash = rec.Hash
	j.lastTs = ts

	// Notify under the lock so subscribers observe journal order.
	if j.notify != nil {
		j.notify(rec)
	}
	return rec, nil
}

// Cursor returns the cursor of the newest record.
func (j *Journal) Cursor() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.cursor
}

// Range returns records with fromTs <= ts <= toTs in append order.
func (j *Journal) Range(fromTs, toTs int64, limit int) ([]*store.Record, error) {
	return j.store.RecordsRange(fromTs, toTs, limit)
}

// Recent returns the newest records first, bounded by limit.
func (j *Journal) Recent(limit int) ([]*store.Record, error) {
	return j.store.RecentRecords(limit)
}

// Tail returns records after cursor in append order plus the new cursor to
// resume from. With no new records the input cursor comes back unchanged.
func (j *Journal) Tail(cursor uint64, limit int) ([]*store.Record, uint64, error) {
	recs, err := j.store.RecordsSince(cursor, limit)
	if err != nil {
		return nil, cursor, err
	}
	if len(recs) > 0 {
		cursor = recs[len(recs)-1].Cursor
	}
	return recs, cursor, nil
}

// Verify recomputes the hash chain over the whole journal. It returns the
// cursor of the first broken record, or the latest verified cursor when the
// chain is intact.
func (j *Journal) Verify() (bool, uint64, error) {
	var (
		cursor uint64
		prev   *store.Record
	)
	for {
		recs, err := j.store.RecordsSince(cursor, 500)
		if err != nil {
			return false, 0, err
		}
		if len(recs) == 0 {
			return true, cursor, nil
		}
		for _, rec := range recs {
			if rec.Hash != ComputeHash(rec) {
				return false, rec.Cursor, nil
			}
			if prev == nil {
				if rec.Cursor == 1 && rec.PrevHash != GenesisHash() {
					return false, rec.Cursor, nil
				}
			} else if rec.PrevHash != prev.Hash {
				return false, rec.Cursor, nil
			}
			prev = rec
		}
		cursor = recs[len(recs)-1].Cursor
	}
}

// Export formats. "ndjson" streams one record per line; "json" a single
// array; "csv" and "md" tabular summaries with the payload as one column.
const (
	FormatNDJSON   = "ndjson"
	FormatJSON     = "json"
	FormatCSV      = "csv"
	FormatMarkdown = "md"
)

// Export writes the whole journal to w in the given format.
func (j *Journal) Export(w io.Writer, format string) error {
	switch format {
	case FormatNDJSON, FormatJSON, FormatCSV, FormatMarkdown:
	default:
		return fmt.Errorf("unknown export format %q", format)
	}

	var (
		cursor uint64
		first  = true
		cw     *csv.Writer
	)

	switch format {
	case FormatJSON:
		if _, err := io.WriteString(w, "[\n"); err != nil {
			return err
		}
	case FormatCSV:
		cw = csv.NewWriter(w)
		if err := cw.Write([]string{"cursor", "ts", "kind", "agent", "payload", "hash"}); err != nil {
			return err
		}
	case FormatMarkdown:
		if _, err := io.WriteString(w, "| cursor | ts | kind | agent | payload |\n|---|---|---|---|---|\n"); err != nil {
			return err
		}
	}

	for {
		recs, err := j.store.RecordsSince(cursor, 500)
		if err != nil {
			return err
		}
		if len(recs) == 0 {
			break
		}
		for _, rec := range recs {
			switch format {
			case FormatNDJSON:
				line, err := json.Marshal(rec)
				if err != nil {
					return err
				}
				if _, err := w.Write(append(line, '\n')); err != nil {
					return err
				}
			case FormatJSON:
				line, err := json.Marshal(rec)
				if err != nil {
					return err
				}
				if !first {
					if _, err := io.WriteString(w, ",\n"); err != nil {
						return err
					}
				}
				if _, err := w.Write(line); err != nil {
					return err
				}
			case FormatCSV:
				if err := cw.Write([]string{
					strconv.FormatUint(rec.Cursor, 10),
					strconv.FormatInt(rec.Ts, 10),
					rec.Kind,
					rec.Agent,
					string(rec.Payload),
					rec.Hash,
				}); err != nil {
					return err
				}
			case FormatMarkdown:
				line := fmt.Sprintf("| %d | %d | %s | %s | `%s` |\n",
					rec.Cursor, rec.Ts, rec.Kind, rec.Agent, rec.Payload)
				if _, err := io.WriteString(w, line); err != nil {
					return err
				}
			}
			first = false
		}
		cursor = recs[len(recs)-1].Cursor
	}

	switch format {
	case FormatJSON:
		if _, err := io.WriteString(w, "\n]\n"); err != nil {
			return err
		}
	case FormatCSV:
		cw.Flush()
		return cw.Error()
	}
	return nil
}

// Close stops accepting appends and closes the current day file.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.closed = true
	if j.file != nil {
		err := j.file.Close()
		j.file = nil
		return err
	}
	return nil
}

// writeLine appends the record to the NDJSON file for its UTC day, rotating
// when the day changes. Caller holds the mutex.
func (j *Journal) writeLine(rec *store.Record) error {
	if j.dir == "" {
		return nil
	}

	day := time.UnixMilli(rec.Ts).UTC().Format("2006-01-02")
	if j.file == nil || day != j.fileDay {
		if j.file != nil {
			_ = j.file.Close()
		}
		f, err := os.OpenFile(filepath.Join(j.dir, day+".ndjson"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("failed to open journal file: %w", err)
		}
		j.file = f
		j.fileDay = day
	}

	line, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if _, err := j.file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to write journal file: %w", err)
	}
	return nil
}

func toRawJSON(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case json.RawMessage:
		return p, nil
	case []byte:
		return json.RawMessage(p), nil
	default:
		return json.Marshal(payload)
	}
}
