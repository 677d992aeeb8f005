// SPDX-License-Identifier: MIT
package receipt

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/renameio/v2"
)

// Export writes a room's receipts as canonical JSONL for audit hand-off,
// one canonical envelope per line, atomically replacing any previous
// export for the room. Returns the written path.
func Export(dir, roomID string, receipts []Receipt) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("receipt: export: %w", err)
	}
	var buf bytes.Buffer
	for _, r := range receipts {
		buf.Write(CanonicalBytes(r))
		buf.WriteByte('\n')
	}
	path := filepath.Join(dir, roomID+".jsonl")
	if err := renameio.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return "", fmt.Errorf("receipt: export %s: %w", path, err)
	}
	return path, nil
}

// ReadExport loads a JSONL export back into receipts, enforcing
// canonical form per line. Round-tripping an export yields the exact
// bytes that were written.
func ReadExport(path string) ([]Receipt, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("receipt: read export: %w", err)
	}
	var out []Receipt
	for len(data) > 0 {
		nl := bytes.IndexByte(data, '\n')
		if nl < 0 {
			return nil, fmt.Errorf("receipt: export %s: truncated final line", path)
		}
		r, err := Parse(data[:nl])
		if err != nil {
			return nil, fmt.Errorf("receipt: export %s line %d: %w", path, len(out)+1, err)
		}
		out = append(out, r)
		data = data[nl+1:]
	}
	return out, nil
}
