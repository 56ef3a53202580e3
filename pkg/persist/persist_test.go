package persist

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/OpenVZ/vcmmd/pkg/veconfig"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.toml")
	s := NewStore(path)

	records := []VERecord{
		{Name: "ct1", Type: 0, Config: veconfig.Config{Guarantee: 100 << 20, Limit: 500 << 20, Swap: 50 << 20}},
		{Name: "vm1", Type: 1, Config: veconfig.Config{Guarantee: 200 << 20, Limit: veconfig.Unlimited, Swap: 0}},
	}

	if err := s.Save(records); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := s.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(got) != len(records) {
		t.Fatalf("Load() returned %d records, want %d", len(got), len(records))
	}
	for i, want := range records {
		if got[i] != want {
			t.Errorf("record %d = %+v, want %+v", i, got[i], want)
		}
	}
}

func TestLoadMissingFileReturnsNilNil(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "does-not-exist.toml"))

	records, err := s.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if records != nil {
		t.Errorf("Load() = %v, want nil", records)
	}
}

func TestLoadCorruptFileReturnsError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.toml")
	if err := os.WriteFile(path, []byte("this is not valid toml {{{"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	s := NewStore(path)
	if _, err := s.Load(); err == nil {
		t.Error("Load() on corrupt file = nil error, want error")
	}
}

func TestSaveOverwritesExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.toml")
	s := NewStore(path)

	if err := s.Save([]VERecord{{Name: "a", Type: 0, Config: veconfig.Config{Limit: 1}}}); err != nil {
		t.Fatalf("Save (1st): %v", err)
	}
	if err := s.Save([]VERecord{{Name: "b", Type: 1, Config: veconfig.Config{Limit: 2}}}); err != nil {
		t.Fatalf("Save (2nd): %v", err)
	}

	got, err := s.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(got) != 1 || got[0].Name != "b" {
		t.Errorf("Load() = %+v, want single record named b", got)
	}
}
