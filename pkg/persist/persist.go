// Package persist snapshots the VE registry's (name, config) pairs to
// disk so the daemon can reconcile its registrations across a
// restart, and reloads them on boot.
package persist

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"

	"github.com/OpenVZ/vcmmd/pkg/veconfig"
)

// VERecord is one persisted (name, type, config) tuple.
type VERecord struct {
	Name   string           `toml:"name"`
	Type   int              `toml:"type"`
	Config veconfig.Config  `toml:"config"`
}

type snapshot struct {
	VEs []VERecord `toml:"ve"`
}

// Store reads and writes the registry snapshot file at Path.
type Store struct {
	Path string
}

func NewStore(path string) *Store {
	return &Store{Path: path}
}

// Save writes records to Path via a temp-file-then-rename so a reader
// never observes a partially written file.
func (s *Store) Save(records []VERecord) error {
	dir := filepath.Dir(s.Path)
	tmp, err := os.CreateTemp(dir, ".vcmmd-registry-*.toml")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	enc := toml.NewEncoder(tmp)
	if err := enc.Encode(snapshot{VEs: records}); err != nil {
		tmp.Close()
		return fmt.Errorf("encode snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, s.Path); err != nil {
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}

// Load reads the snapshot at Path. A missing file returns (nil, nil):
// the caller starts with an empty registry. A corrupt file returns an
// error; callers are expected to log it and also start empty rather
// than fail the whole daemon, per §9's persistence design note.
func (s *Store) Load() ([]VERecord, error) {
	if _, err := os.Stat(s.Path); os.IsNotExist(err) {
		return nil, nil
	}
	var snap snapshot
	if _, err := toml.DecodeFile(s.Path, &snap); err != nil {
		return nil, fmt.Errorf("decode %s: %w", s.Path, err)
	}
	return snap.VEs, nil
}
