// Package ledger implements the append-only, hash-chained audit log that
// underpins the gateway, executor, supervisor, and memory tiers.
//
// Each stream is one JSONL file on disk: one entry per line, LF-terminated,
// UTF-8. Writes take an exclusive lock on the stream for their duration and
// chain each entry's hash into the next entry's prev_hash field, so the
// stream can later be replayed and verified end to end. The buffered
// writer shape is adapted from the teacher's internal/audit.Logger, but
// writes are synchronous: each Write flushes and fsyncs before it returns.
// Hash chaining is new.
package ledger

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kitchener-systems/kitchener/internal/metrics"
)

// ZeroHash is the prev_hash value used by the first entry in a stream.
const ZeroHash = "0000000000000000000000000000000000000000000000000000000000000000"

// Entry is one record in an append-only hash-chained stream.
type Entry struct {
	ID           string         `json:"id"`
	EventType    string         `json:"event_type"`
	SubmissionID string         `json:"submission_id"`
	Decision     string         `json:"decision"`
	Reason       string         `json:"reason"`
	Timestamp    time.Time      `json:"timestamp"`
	PromptsUsed  []string       `json:"prompts_used,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	PrevHash     string         `json:"prev_hash"`
}

// Break describes one point in a stream where the hash chain does not
// reconcile with the recorded prev_hash.
type Break struct {
	Line     int    `json:"line"`
	EntryID  string `json:"entry_id"`
	Expected string `json:"expected"`
	Found    string `json:"found"`
}

// Stream is a single append-only JSONL file with an in-memory last-hash
// cache so writes never need to re-read the file to chain correctly.
type Stream struct {
	path string

	mu       sync.Mutex
	lastHash string
	file     *os.File
	writer   *bufio.Writer
	metrics  *metrics.Recorder
}

// SetMetrics attaches a metrics Recorder the stream reports ledger writes
// to. Optional — a Stream with no Recorder attached records nothing.
func (s *Stream) SetMetrics(r *metrics.Recorder) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics = r
}

// name derives the stream's metrics label from its file name
// (e.g. "hot/exchange.jsonl" -> "exchange").
func (s *Stream) name() string {
	base := filepath.Base(s.path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// Open opens (creating if necessary) the stream at path, priming the
// last-hash cache from the file's final entry if the file is non-empty.
func Open(path string) (*Stream, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("ledger: create stream dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("ledger: open stream: %w", err)
	}

	lastHash, err := lastEntryHash(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		f.Close()
		return nil, fmt.Errorf("ledger: seek end: %w", err)
	}

	return &Stream{
		path:     path,
		lastHash: lastHash,
		file:     f,
		writer:   bufio.NewWriter(f),
	}, nil
}

// lastEntryHash scans an existing stream file and recomputes the hash of
// its final entry (or ZeroHash if the file is empty).
func lastEntryHash(f *os.File) (string, error) {
	entries, err := readAllFrom(f)
	if err != nil {
		return "", err
	}
	if len(entries) == 0 {
		return ZeroHash, nil
	}
	return hashEntry(entries[len(entries)-1]), nil
}

// Write appends entry to the stream, computing and storing prev_hash from
// the previous entry's hash, assigning an ID if one is not already set, and
// flushing durably before returning. The write holds an exclusive lock on
// the stream for its duration.
func (s *Stream) Write(entry Entry) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == "" {
		entry.ID = "LED-" + shortID()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	entry.PrevHash = s.lastHash

	line, err := json.Marshal(entry)
	if err != nil {
		return "", fmt.Errorf("ledger: marshal entry: %w", err)
	}
	if _, err := s.writer.Write(line); err != nil {
		return "", fmt.Errorf("ledger: write entry: %w", err)
	}
	if err := s.writer.WriteByte('\n'); err != nil {
		return "", fmt.Errorf("ledger: write newline: %w", err)
	}
	if err := s.writer.Flush(); err != nil {
		return "", fmt.Errorf("ledger: flush: %w", err)
	}
	if err := s.file.Sync(); err != nil {
		return "", fmt.Errorf("ledger: sync: %w", err)
	}

	s.lastHash = hashEntry(entry)
	if s.metrics != nil {
		s.metrics.IncLedgerWrite(s.name())
	}
	return entry.ID, nil
}

// ReadAll returns every entry in the stream in append order.
func (s *Stream) ReadAll() ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return readAllFrom(s.file)
}

// ReadBySubmission returns entries whose SubmissionID matches id, in
// append order.
func (s *Stream) ReadBySubmission(id string) ([]Entry, error) {
	all, err := s.ReadAll()
	if err != nil {
		return nil, err
	}
	var out []Entry
	for _, e := range all {
		if e.SubmissionID == id {
			out = append(out, e)
		}
	}
	return out, nil
}

// ReadByEventType returns entries whose EventType matches eventType, in
// append order.
func (s *Stream) ReadByEventType(eventType string) ([]Entry, error) {
	all, err := s.ReadAll()
	if err != nil {
		return nil, err
	}
	var out []Entry
	for _, e := range all {
		if e.EventType == eventType {
			out = append(out, e)
		}
	}
	return out, nil
}

// VerifyChain recomputes the hash chain from the start of the stream and
// returns every point where a stored prev_hash does not match the
// recomputed hash of its predecessor. An empty result means the chain is
// intact.
func (s *Stream) VerifyChain() ([]Break, error) {
	entries, err := s.ReadAll()
	if err != nil {
		return nil, err
	}
	var breaks []Break
	expected := ZeroHash
	for i, e := range entries {
		if e.PrevHash != expected {
			breaks = append(breaks, Break{
				Line:     i + 1,
				EntryID:  e.ID,
				Expected: expected,
				Found:    e.PrevHash,
			})
		}
		expected = hashEntry(e)
	}
	return breaks, nil
}

// Close flushes and closes the underlying file.
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writer.Flush(); err != nil {
		return err
	}
	return s.file.Close()
}

func readAllFrom(f *os.File) ([]Entry, error) {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("ledger: seek start: %w", err)
	}
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	var entries []Entry
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			return nil, fmt.Errorf("ledger: decode entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("ledger: scan stream: %w", err)
	}
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		return nil, fmt.Errorf("ledger: seek end: %w", err)
	}
	return entries, nil
}

// hashEntry computes H(canonical_json(entry)). Because entry.PrevHash is
// always set to h_{i-1} before the entry is written, this is equivalent to
// H(canonical_json(entry without prev_hash) || h_{i-1}) while keeping
// prev_hash as a genuine stored field per the ledger file format.
func hashEntry(e Entry) string {
	canon := canonicalJSON(e)
	sum := sha256.Sum256(canon)
	return hex.EncodeToString(sum[:])
}

// canonicalJSON renders entry with sorted object keys and no insignificant
// whitespace, independent of Go's struct field order, by round-tripping
// through a generic map.
func canonicalJSON(e Entry) []byte {
	raw, _ := json.Marshal(e)
	var generic map[string]any
	_ = json.Unmarshal(raw, &generic)
	return marshalSorted(generic)
}

func marshalSorted(v any) []byte {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := []byte("{")
		for i, k := range keys {
			if i > 0 {
				out = append(out, ',')
			}
			kb, _ := json.Marshal(k)
			out = append(out, kb...)
			out = append(out, ':')
			out = append(out, marshalSorted(val[k])...)
		}
		out = append(out, '}')
		return out
	case []any:
		out := []byte("[")
		for i, item := range val {
			if i > 0 {
				out = append(out, ',')
			}
			out = append(out, marshalSorted(item)...)
		}
		out = append(out, ']')
		return out
	default:
		b, _ := json.Marshal(val)
		return b
	}
}

func shortID() string {
	id := uuid.New()
	return hex.EncodeToString(id[:4])
}
