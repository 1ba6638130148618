package auditlog

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendAndVerify(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.jsonl")
	key := []byte("test-identity-key-material")

	log, err := Open(path, key)
	require.NoError(t, err)

	require.NoError(t, log.Append("pairing.redeemed", map[string]interface{}{"code": "AAAA-BBBB-CCCC"}))
	require.NoError(t, log.Append("session.admitted", map[string]interface{}{"session_id": "s1"}))
	require.NoError(t, log.Append("execution.finished", map[string]interface{}{"status": "ok"}))

	assert.NoError(t, Verify(path, key))
}

func TestVerifyDetectsTamperedEntry(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.jsonl")
	key := []byte("test-identity-key-material")

	log, err := Open(path, key)
	require.NoError(t, err)
	require.NoError(t, log.Append("pairing.redeemed", nil))
	require.NoError(t, log.Append("session.admitted", map[string]interface{}{"session_id": "s1"}))

	entries := readEntries(t, path)
	require.Len(t, entries, 2)
	entries[1].Data = map[string]interface{}{"session_id": "tampered"}
	writeEntries(t, path, entries)

	assert.ErrorIs(t, Verify(path, key), ErrChainBroken)
}

func readEntries(t *testing.T, path string) []Entry {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var entries []Entry
	dec := json.NewDecoder(bytes.NewReader(data))
	for dec.More() {
		var e Entry
		require.NoError(t, dec.Decode(&e))
		entries = append(entries, e)
	}
	return entries
}

func writeEntries(t *testing.T, path string, entries []Entry) {
	t.Helper()
	var buf bytes.Buffer
	for _, e := range entries {
		line, err := json.Marshal(e)
		require.NoError(t, err)
		buf.Write(line)
		buf.WriteByte('\n')
	}
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o600))
}

func TestResumeContinuesChainAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.jsonl")
	key := []byte("test-identity-key-material")

	log1, err := Open(path, key)
	require.NoError(t, err)
	require.NoError(t, log1.Append("pairing.issued", nil))

	log2, err := Open(path, key)
	require.NoError(t, err)
	require.NoError(t, log2.Append("pairing.redeemed", nil))

	assert.NoError(t, Verify(path, key))
}

func TestVerifyFailsWithWrongKey(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.jsonl")

	log, err := Open(path, []byte("key-a"))
	require.NoError(t, err)
	require.NoError(t, log.Append("pairing.issued", nil))

	assert.ErrorIs(t, Verify(path, []byte("key-b")), ErrChainBroken)
}
