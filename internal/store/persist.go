// Package store owns the durable cell/job metadata, the on-disk directory
// layout, per-cell call serialization, and restart reconciliation.
//
// Records are textual YAML (gopkg.in/yaml.v3), written with a generic
// map[string]interface{} round-trip so that unknown fields are preserved
// on round-trip even as the record schema grows: known
// fields are peeled off into a typed struct, everything else stays in an
// Extra bag and is remarshaled verbatim.
package store

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
	"gopkg.in/yaml.v3"
)

// writeRecord marshals m as YAML and writes it to path using
// write-to-temp-then-rename so a crash mid-write never leaves a torn file.
func writeRecord(path string, m map[string]interface{}) error {
	data, err := yaml.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp record: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write temp record: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp record: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename record: %w", err)
	}
	return nil
}

// readRecord reads and parses a YAML record into a generic map.
func readRecord(path string) (map[string]interface{}, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m map[string]interface{}
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse record %s: %w", path, err)
	}
	if m == nil {
		m = map[string]interface{}{}
	}
	return m, nil
}

// toInt64 normalizes the numeric types yaml.v3 may decode a scalar into.
func toInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int:
		return int64(n)
	case int64:
		return n
	case float64:
		return int64(n)
	case uint64:
		return int64(n)
	default:
		return 0
	}
}

func toBool(v interface{}) bool {
	b, _ := v.(bool)
	return b
}

func toString(v interface{}) string {
	s, _ := v.(string)
	return s
}

func toStringSlice(v interface{}) []string {
	raw, ok := v.([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, e := range raw {
		out = append(out, toString(e))
	}
	return out
}

// acquireStateRootLock takes an advisory file lock on <root>/.lock so that
// two daemon processes cannot share a state root and race each other's
// write-to-temp-then-rename sequences. It mirrors the advisory-locking
// pattern sylabs-singularity uses around its image-cache directory.
func acquireStateRootLock(root string) (*flock.Flock, error) {
	lockPath := filepath.Join(root, ".lock")
	fl := flock.New(lockPath)
	ok, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock state root: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("state root %s is already owned by another planterd process", root)
	}
	return fl, nil
}
