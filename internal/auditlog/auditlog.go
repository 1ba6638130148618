// Package auditlog implements a tamper-evident, append-only audit trail for
// security-relevant bridge events (pairing, session admission, plan
// approval, execution, emergency stop). Each entry is HMAC-chained to the
// previous one using a key derived from the bridge identity via HKDF, so
// altering or removing an entry breaks verification of every entry after it.
package auditlog

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"golang.org/x/crypto/hkdf"
)

// hkdfInfo binds the derived key to this log's purpose so the same identity
// key material can't be replayed as an audit-log key elsewhere.
const hkdfInfo = "prompt-dock-bridge/audit-log/v1"

// Entry is one append-only record. Chain is the hex HMAC-SHA256 of this
// entry's canonical fields concatenated with the previous entry's Chain,
// sealing it against reordering or deletion.
type Entry struct {
	Seq       uint64                 `json:"seq"`
	Timestamp time.Time              `json:"timestamp"`
	Action    string                 `json:"action"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Chain     string                 `json:"chain"`
}

// Log is a singly-writer, append-only audit log backed by a JSON-lines file.
type Log struct {
	mu       sync.Mutex
	w        io.Writer
	key      []byte
	seq      uint64
	lastLink string
}

// Open derives the chaining key from keyMaterial via HKDF-SHA256 and appends
// to (or creates) the JSON-lines file at path.
func Open(path string, keyMaterial []byte) (*Log, error) {
	key, err := deriveKey(keyMaterial)
	if err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("auditlog: open %s: %w", path, err)
	}

	log := &Log{w: f, key: key}
	if err := log.resumeFrom(path); err != nil {
		f.Close()
		return nil, err
	}
	return log, nil
}

// NewInMemory builds a Log over an arbitrary writer, for tests or a
// Postgres-backed sink that implements io.Writer over a statement.
func NewInMemory(w io.Writer, keyMaterial []byte) (*Log, error) {
	key, err := deriveKey(keyMaterial)
	if err != nil {
		return nil, err
	}
	return &Log{w: w, key: key}, nil
}

func deriveKey(material []byte) ([]byte, error) {
	reader := hkdf.New(sha256.New, material, nil, []byte(hkdfInfo))
	key := make([]byte, sha256.Size)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("auditlog: derive key: %w", err)
	}
	return key, nil
}

// resumeFrom replays an existing log file to recover seq/lastLink so a
// restarted bridge keeps appending to the same chain.
func (l *Log) resumeFrom(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("auditlog: read %s: %w", path, err)
	}
	entries, err := parseLines(data)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}
	last := entries[len(entries)-1]
	l.seq = last.Seq
	l.lastLink = last.Chain
	return nil
}

// Append records action with data, computing and storing the next chain
// link, then flushes it as a single JSON line.
func (l *Log) Append(action string, data map[string]interface{}) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.seq++
	entry := Entry{
		Seq:       l.seq,
		Timestamp: time.Now().UTC(),
		Action:    action,
		Data:      data,
	}
	entry.Chain = l.link(entry)
	l.lastLink = entry.Chain

	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("auditlog: marshal entry: %w", err)
	}
	line = append(line, '\n')
	if _, err := l.w.Write(line); err != nil {
		return fmt.Errorf("auditlog: write entry: %w", err)
	}
	return nil
}

func (l *Log) link(e Entry) string {
	mac := hmac.New(sha256.New, l.key)
	fmt.Fprintf(mac, "%d|%s|%s|%s", e.Seq, e.Timestamp.Format(time.RFC3339Nano), e.Action, canonicalData(e.Data))
	mac.Write([]byte(l.lastLink))
	return hex.EncodeToString(mac.Sum(nil))
}

func canonicalData(data map[string]interface{}) string {
	if data == nil {
		return ""
	}
	b, _ := json.Marshal(data)
	return string(b)
}

// ErrChainBroken indicates the file's entries were reordered, edited, or had
// one removed.
var ErrChainBroken = errors.New("auditlog: chain verification failed")

// Verify re-derives every chain link from file contents and confirms it
// matches the stored Chain, proving the log hasn't been tampered with since
// it was written with the same key material.
func Verify(path string, keyMaterial []byte) error {
	key, err := deriveKey(keyMaterial)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("auditlog: read %s: %w", path, err)
	}
	entries, err := parseLines(data)
	if err != nil {
		return err
	}

	l := &Log{key: key}
	for _, e := range entries {
		want := l.link(e)
		if want != e.Chain {
			return fmt.Errorf("%w: entry seq=%d", ErrChainBroken, e.Seq)
		}
		l.lastLink = e.Chain
	}
	return nil
}

func parseLines(data []byte) ([]Entry, error) {
	var entries []Entry
	dec := json.NewDecoder(bytes.NewReader(data))
	for dec.More() {
		var e Entry
		if err := dec.Decode(&e); err != nil {
			return nil, fmt.Errorf("auditlog: decode entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, nil
}
