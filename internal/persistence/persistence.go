// Package persistence stores the durable subset of a node's consensus
// state: the current term, the vote cast in that term, and the full log.
// Everything else is volatile and a restarted node rebuilds it as a
// follower.
package persistence

import (
	"encoding/json"
	"io/ioutil"
	"os"
	"path/filepath"

	"github.com/skiffdb/skiff/internal/raft"
)

// Snapshot is the on-disk representation: one JSON object per file.
type Snapshot struct {
	CurrentTerm uint64       `json:"currentTerm"`
	VotedFor    *string      `json:"votedFor"`
	Entries     []raft.Entry `json:"entries"`
}

// Store reads and writes snapshots at a fixed path. Each node owns its file
// exclusively; there is no cross-process locking.
type Store struct {
	path string
}

// NewStore creates a store for the given file path. The parent directory is
// created if missing.
func NewStore(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, err
		}
	}
	return &Store{path: path}, nil
}

// Read loads the snapshot. A missing file means a fresh node and yields the
// zero snapshot; any other failure is returned to the caller, which must
// treat it as fatal.
func (s *Store) Read() (Snapshot, error) {
	empty := Snapshot{CurrentTerm: 0, VotedFor: nil, Entries: []raft.Entry{}}

	data, err := ioutil.ReadFile(s.path)
	if os.IsNotExist(err) {
		return empty, nil
	}
	if err != nil {
		return empty, err
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return empty, err
	}
	if snap.Entries == nil {
		snap.Entries = []raft.Entry{}
	}
	return snap, nil
}

// Write durably replaces the snapshot. The bytes are written to a temp file
// in the same directory, synced, and renamed over the target so a crash
// mid-write leaves either the old snapshot or the new one, never a torn
// file. Write blocks until the data is on disk.
func (s *Store) Write(snap Snapshot) error {
	if snap.Entries == nil {
		snap.Entries = []raft.Entry{}
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}

	dir := filepath.Dir(s.path)
	tmp, err := ioutil.TempFile(dir, ".snapshot-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), s.path)
}
