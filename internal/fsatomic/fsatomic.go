// Package fsatomic provides the write primitives every multi-writer state
// file goes through: temp-write-then-rename for whole files and single-write
// appends for the event log.
package fsatomic

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// WriteFile writes data to path atomically. The payload lands in a sibling
// temp file named <path>.tmp.<pid>.<ns>.<rand>, then renames onto the target.
// The parent directory is created if missing.
//
// A rename that fails with not-found while the target exists is treated as
// success: a racing writer renamed first and unlinked our temp file.
func WriteFile(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("creating parent dir: %w", err)
	}

	tmp := tempName(path)
	if err := os.WriteFile(tmp, data, perm); err != nil {
		return fmt.Errorf("writing temp file: %w", err)
	}

	if err := os.Rename(tmp, path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			if _, statErr := os.Stat(path); statErr == nil {
				return nil
			}
		}
		_ = os.Remove(tmp)
		return fmt.Errorf("renaming temp file: %w", err)
	}
	return nil
}

// WriteJSON marshals v with two-space indentation and writes it atomically.
func WriteJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", filepath.Base(path), err)
	}
	return WriteFile(path, append(data, '\n'), 0o644)
}

// ReadJSON unmarshals path into v. Callers that need parse-failure-as-absent
// semantics check the returned error with os.IsNotExist / json errors.
func ReadJSON(path string, v any) error {
	data, err := os.ReadFile(path) //nolint:gosec // paths come from the paths package
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// AppendLine appends one LF-terminated line to path with a single write so
// concurrent appenders interleave at line granularity. Embedded newlines in
// line are rejected.
func AppendLine(path string, line string) error {
	if strings.ContainsRune(line, '\n') {
		return fmt.Errorf("append line contains newline")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("creating parent dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644) //nolint:gosec // paths come from the paths package
	if err != nil {
		return fmt.Errorf("opening append target: %w", err)
	}
	_, werr := f.Write([]byte(line + "\n"))
	cerr := f.Close()
	if werr != nil {
		return fmt.Errorf("appending: %w", werr)
	}
	if cerr != nil {
		return fmt.Errorf("closing append target: %w", cerr)
	}
	return nil
}

func tempName(path string) string {
	return fmt.Sprintf("%s.tmp.%d.%d.%04d", path, os.Getpid(), time.Now().UnixNano(), rand.Intn(10000)) //nolint:gosec // temp suffix, not security-sensitive
}
