// Package audit implements the append-only, hash-chained ledger of engine
// state transitions. Entries are stored as one JSON object per line so the
// chain can be verified by replaying the file from entry 0.
package audit

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// genesisHash seeds the chain before the first entry.
const genesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// Entry is one line in the hash-chained audit log. All fields are concrete
// types (no map[string]any at the top level) so json.Marshal field order is
// deterministic and the hash reproducible.
type Entry struct {
	SequenceNo uint64          `json:"sequence_no"`
	PrevHash   string          `json:"prev_hash"`
	Hash       string          `json:"hash"`
	Timestamp  time.Time       `json:"timestamp"`
	Actor      string          `json:"actor"`
	Action     string          `json:"action"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// chainContent is the hashed portion of an entry: everything except Hash.
func (e Entry) chainContent() ([]byte, error) {
	shadow := struct {
		SequenceNo uint64          `json:"sequence_no"`
		Timestamp  time.Time       `json:"timestamp"`
		Actor      string          `json:"actor"`
		Action     string          `json:"action"`
		Payload    json.RawMessage `json:"payload,omitempty"`
	}{e.SequenceNo, e.Timestamp, e.Actor, e.Action, e.Payload}
	return json.Marshal(shadow)
}

func chainHash(prevHash string, content []byte) string {
	h := sha256.New()
	h.Write([]byte(prevHash))
	h.Write(content)
	return hex.EncodeToString(h.Sum(nil))
}

// Ledger appends hash-chained entries to a single file. Appends are
// serialized through one mutex since chaining requires strict ordering.
type Ledger struct {
	mu       sync.Mutex
	file     *os.File
	path     string
	nextSeq  uint64
	prevHash string
	logger   *slog.Logger
}

// Open creates or reopens a ledger at path, replaying any existing entries to
// restore the chain head. A corrupt tail is reported as an error rather than
// silently overwritten.
func Open(path string, logger *slog.Logger) (*Ledger, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create audit directory: %w", err)
	}

	ledger := &Ledger{path: path, prevHash: genesisHash, logger: logger}

	if _, err := os.Stat(path); err == nil {
		count, head, verifyErr := verifyFile(path)
		if verifyErr != nil {
			return nil, fmt.Errorf("existing ledger failed verification: %w", verifyErr)
		}
		ledger.nextSeq = uint64(count)
		if count > 0 {
			ledger.prevHash = head
		}
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open audit ledger: %w", err)
	}
	ledger.file = file

	logger.Info("audit ledger open", slog.String("path", path), slog.Uint64("entries", ledger.nextSeq))
	return ledger, nil
}

// Append records one state transition. The payload is marshalled to JSON and
// becomes part of the hashed content. Append returns only after the entry has
// been flushed to the file, so callers may treat a nil error as durable.
func (l *Ledger) Append(actor, action string, payload any) (Entry, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Entry{}, fmt.Errorf("marshal audit payload: %w", err)
		}
		raw = data
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	entry := Entry{
		SequenceNo: l.nextSeq,
		PrevHash:   l.prevHash,
		Timestamp:  time.Now().UTC(),
		Actor:      actor,
		Action:     action,
		Payload:    raw,
	}

	content, err := entry.chainContent()
	if err != nil {
		return Entry{}, fmt.Errorf("canonicalise audit entry: %w", err)
	}
	entry.Hash = chainHash(entry.PrevHash, content)

	line, err := json.Marshal(entry)
	if err != nil {
		return Entry{}, fmt.Errorf("marshal audit entry: %w", err)
	}
	if _, err := l.file.Write(append(line, '\n')); err != nil {
		return Entry{}, fmt.Errorf("append audit entry: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		return Entry{}, fmt.Errorf("sync audit ledger: %w", err)
	}

	l.nextSeq++
	l.prevHash = entry.Hash
	return entry, nil
}

// MustAppend logs instead of returning the error. Used on paths where an
// audit write failure must not mask the original failure being recorded.
func (l *Ledger) MustAppend(actor, action string, payload any) {
	if _, err := l.Append(actor, action, payload); err != nil {
		l.logger.Error("audit append failed", slog.String("action", action), slog.Any("error", err))
	}
}

// Len returns the number of entries appended so far.
func (l *Ledger) Len() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.nextSeq
}

// Close releases the underlying file.
func (l *Ledger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// Verify recomputes the hash chain from entry 0 and returns the number of
// valid entries. It fails on the first broken link.
func Verify(path string) (int, error) {
	count, _, err := verifyFile(path)
	return count, err
}

func verifyFile(path string) (int, string, error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, "", fmt.Errorf("open ledger: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	prevHash := genesisHash
	count := 0
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var entry Entry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			return count, prevHash, fmt.Errorf("entry %d: malformed: %w", count, err)
		}
		if entry.SequenceNo != uint64(count) {
			return count, prevHash, fmt.Errorf("entry %d: sequence gap (got %d)", count, entry.SequenceNo)
		}
		if entry.PrevHash != prevHash {
			return count, prevHash, fmt.Errorf("entry %d: prev_hash mismatch", count)
		}
		content, err := entry.chainContent()
		if err != nil {
			return count, prevHash, fmt.Errorf("entry %d: canonicalise: %w", count, err)
		}
		if got := chainHash(entry.PrevHash, content); got != entry.Hash {
			return count, prevHash, fmt.Errorf("entry %d: hash mismatch", count)
		}
		prevHash = entry.Hash
		count++
	}
	if err := scanner.Err(); err != nil {
		return count, prevHash, fmt.Errorf("scan ledger: %w", err)
	}
	return count, prevHash, nil
}
