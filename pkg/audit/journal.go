package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
)

// Entry is one link of the hash chain
type Entry struct {
	Sequence     uint64          `json:"seq"`
	Timestamp    string          `json:"timestamp"`
	Kind         string          `json:"kind"`
	Subject      string          `json:"subject"`
	Data         json.RawMessage `json:"data,omitempty"`
	PreviousHash string          `json:"previous_hash"`
	Hash         string          `json:"hash"`
}

// Journal is an append-only, hash-chained record of transfer state changes
// and risk findings. Entries are kept in memory (bounded) and optionally
// written as JSON lines to a sink.
type Journal struct {
	mu           sync.Mutex
	previousHash string
	seq          uint64
	entries      []*Entry
	capacity     int
	sink         io.Writer
	now          func() time.Time
}

// Option configures a Journal
type Option func(*Journal)

// WithSink mirrors every entry to w as a JSON line.
func WithSink(w io.Writer) Option {
	return func(j *Journal) { j.sink = w }
}

// WithCapacity bounds how many entries are retained in memory.
func WithCapacity(n int) Option {
	return func(j *Journal) {
		if n > 0 {
			j.capacity = n
		}
	}
}

// WithClock overrides time.Now
func WithClock(now func() time.Time) Option {
	return func(j *Journal) { j.now = now }
}

// NewJournal creates a journal whose chain starts at the zero hash.
func NewJournal(opts ...Option) *Journal {
	j := &Journal{
		previousHash: strings.Repeat("0", 64),
		capacity:     10000,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// Record appends an entry. data is JSON encoded; encoding failures are
// returned and nothing is appended.
func (j *Journal) Record(kind, subject string, data any) (*Entry, error) {
	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("failed to encode journal data: %w", err)
		}
		raw = b
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	j.seq++
	entry := &Entry{
		Sequence:     j.seq,
		Timestamp:    j.now().UTC().Format(time.RFC3339Nano),
		Kind:         kind,
		Subject:      subject,
		Data:         raw,
		PreviousHash: j.previousHash,
	}
	entry.Hash = entryHash(entry.PreviousHash, entry)
	j.previousHash = entry.Hash

	j.entries = append(j.entries, entry)
	if len(j.entries) > j.capacity {
		j.entries = j.entries[len(j.entries)-j.capacity:]
	}

	if j.sink != nil {
		line, err := json.Marshal(entry)
		if err == nil {
			line = append(line, '\n')
			_, err = j.sink.Write(line)
		}
		if err != nil {
			return entry, fmt.Errorf("failed to write journal entry: %w", err)
		}
	}
	return entry, nil
}

// Entries returns a copy of the retained entries, oldest first.
func (j *Journal) Entries() []*Entry {
	j.mu.Lock()
	defer j.mu.Unlock()

	out := make([]*Entry, len(j.entries))
	for i, e := range j.entries {
		c := *e
		out[i] = &c
	}
	return out
}

// Subject returns the retained entries for one subject, e.g. a transaction id.
func (j *Journal) Subject(subject string) []*Entry {
	var out []*Entry
	for _, e := range j.Entries() {
		if e.Subject == subject {
			out = append(out, e)
		}
	}
	return out
}

// Head returns the hash of the latest entry
func (j *Journal) Head() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.previousHash
}

func entryHash(prev string, e *Entry) string {
	input := fmt.Sprintf("%s|%d|%s|%s|%s|%s", prev, e.Sequence, e.Timestamp, e.Kind, e.Subject, e.Data)
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:])
}

// VerifyChain checks that entries form an unbroken hash chain.
func VerifyChain(entries []*Entry) bool {
	for i, entry := range entries {
		prev := entry.PreviousHash
		if i > 0 {
			prev = entries[i-1].Hash
			if entry.PreviousHash != prev {
				return false
			}
		}
		if entryHash(prev, entry) != entry.Hash {
			return false
		}
	}
	return true
}
