package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"membersite/internal/codec"
)

type persistedTablesFile struct {
	Version int                   `json:"version"`
	Tables  map[string][][]string `json:"tables"`
	SavedAt int64                 `json:"savedAt"`
}

func (m *Memory) loadSnapshot(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if len(data) == 0 {
		return nil
	}

	var file persistedTablesFile
	if err := json.Unmarshal(data, &file); err != nil {
		return err
	}
	if file.Version != 1 {
		return errors.New("unsupported tables state version")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for name, rows := range file.Tables {
		t, ok := m.tables[name]
		if !ok {
			continue
		}
		t.rows = t.rows[:0]
		for _, raw := range rows {
			if len(raw) != len(t.columns) {
				return fmt.Errorf("table %s: row width %d, want %d", name, len(raw), len(t.columns))
			}
			row := make([]any, len(raw))
			for i, c := range t.columns {
				if raw[i] == "" && codec.KindOf(c.Type) == codec.KindDate {
					continue
				}
				v, err := parseValue(c, raw[i])
				if err != nil {
					return fmt.Errorf("table %s: %w", name, err)
				}
				row[i] = v
			}
			t.rows = append(t.rows, row)
		}
	}
	return nil
}

// snapshotIfPersistingLocked captures the tables after a successful
// mutation. It returns nil when nothing needs writing.
func (m *Memory) snapshotIfPersistingLocked(mutationErr error) map[string][][]string {
	if m.stateFile == "" || mutationErr != nil {
		return nil
	}
	out := make(map[string][][]string, len(m.tables))
	for name, t := range m.tables {
		rows := make([][]string, 0, len(t.rows))
		for _, row := range t.rows {
			enc := make([]string, len(row))
			for i, c := range t.columns {
				enc[i] = cellText(c, row[i])
			}
			rows = append(rows, enc)
		}
		out[name] = rows
	}
	return out
}

func (m *Memory) persist(tables map[string][][]string) {
	path := m.stateFile
	if path == "" || tables == nil {
		return
	}
	ctx := context.Background()

	m.persistMu.Lock()
	defer m.persistMu.Unlock()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		m.logger.Error(ctx, "memory store: mkdir failed", "dir", dir, "err", err)
		return
	}

	file := persistedTablesFile{Version: 1, Tables: tables, SavedAt: time.Now().UnixMilli()}
	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		m.logger.Error(ctx, "memory store: marshal failed", "err", err)
		return
	}
	data = append(data, '\n')

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		m.logger.Error(ctx, "memory store: create temp failed", "err", err)
		return
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		m.logger.Error(ctx, "memory store: chmod temp failed", "err", err)
		return
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		m.logger.Error(ctx, "memory store: write temp failed", "err", err)
		return
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		m.logger.Error(ctx, "memory store: sync temp failed", "err", err)
		return
	}
	if err := tmp.Close(); err != nil {
		m.logger.Error(ctx, "memory store: close temp failed", "err", err)
		return
	}
	if err := os.Rename(tmpName, path); err != nil {
		m.logger.Error(ctx, "memory store: rename failed", "err", err)
	}
}
