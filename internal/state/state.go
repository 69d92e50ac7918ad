package state

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	// stateDirPerm is the permission mode for the state directory (~/.davbridge/).
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the state database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt database lock.
	stateOpenTimeout = 5 * time.Second
)

var (
	appBucket       = []byte("app")
	checksumsBucket = []byte("checksums")
	transfersBucket = []byte("transfers")
	remoteURLKey    = []byte("remote_url")
)

// ChecksumEntry is one persisted checksum cache entry. Seq preserves
// insertion order, which bbolt's sorted keys would otherwise lose and
// which the cache needs for oldest-first eviction.
type ChecksumEntry struct {
	Key    string `json:"-"`
	Digest string `json:"digest"`
	Seq    uint64 `json:"seq"`
}

// TransferRecord is written after an upload has been verified, or after a
// conflict was skipped. It lets rescans leave files alone whose content has
// not changed since.
type TransferRecord struct {
	FilePath   string    `json:"filepath"`
	RemotePath string    `json:"remote_path"`
	Digest     string    `json:"digest"`
	Timestamp  time.Time `json:"timestamp"`

	// Skipped marks a conflict that was resolved by leaving the remote copy
	// in place. RemoteSize is the size of that copy at the time.
	Skipped    bool  `json:"skipped,omitempty"`
	RemoteSize int64 `json:"remote_size,omitempty"`
}

// State wraps a bbolt database for all persistent application state.
type State struct {
	db *bolt.DB
}

// LoadAt opens a state database at the given path, creating it if it
// does not exist. All buckets are created on open.
func LoadAt(path string) (*State, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{appBucket, checksumsBucket, transfersBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing state db: %w", err)
	}

	return &State{db: db}, nil
}

// Close closes the database.
func (s *State) Close() error {
	return s.db.Close()
}

// RemoteURL returns the WebDAV endpoint adopted by the last successful
// probe, or empty string.
func (s *State) RemoteURL() string {
	var u string

	_ = s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(appBucket).Get(remoteURLKey); v != nil {
			u = string(v)
		}

		return nil
	})

	return u
}

// SetRemoteURL persists the WebDAV endpoint adopted by a probe.
func (s *State) SetRemoteURL(u string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(appBucket).Put(remoteURLKey, []byte(u))
	})
}

// LoadChecksums returns all persisted checksum entries in insertion order.
func (s *State) LoadChecksums() ([]ChecksumEntry, error) {
	var entries []ChecksumEntry

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(checksumsBucket).ForEach(func(k, v []byte) error {
			var e ChecksumEntry
			if err := json.Unmarshal(v, &e); err != nil {
				return fmt.Errorf("decoding checksum entry %q: %w", k, err)
			}

			e.Key = string(k)
			entries = append(entries, e)

			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(entries, func(i, j int) bool { return entries[i].Seq < entries[j].Seq })

	return entries, nil
}

// SaveChecksums replaces the persisted checksum cache with entries. The
// slice order becomes the stored insertion order.
func (s *State) SaveChecksums(entries []ChecksumEntry) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(checksumsBucket); err != nil {
			return err
		}

		b, err := tx.CreateBucket(checksumsBucket)
		if err != nil {
			return err
		}

		for i, e := range entries {
			e.Seq = uint64(i)

			data, err := json.Marshal(e)
			if err != nil {
				return err
			}

			if err := b.Put([]byte(e.Key), data); err != nil {
				return err
			}
		}

		return nil
	})
}

// GetTransfer returns the transfer record for a local path, or nil if
// the file has never been transferred.
func (s *State) GetTransfer(filePath string) (*TransferRecord, error) {
	var rec *TransferRecord

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(transfersBucket).Get([]byte(filePath))
		if v == nil {
			return nil
		}

		rec = &TransferRecord{}

		return json.Unmarshal(v, rec)
	})

	return rec, err
}

// SetTransfer persists a transfer record, replacing any previous record
// for the same local path.
func (s *State) SetTransfer(rec TransferRecord) error {
	if rec.FilePath == "" {
		return fmt.Errorf("transfer record needs a file path")
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}

		return tx.Bucket(transfersBucket).Put([]byte(rec.FilePath), data)
	})
}

// DeleteTransfer removes the record for a local path.
func (s *State) DeleteTransfer(filePath string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(transfersBucket).Delete([]byte(filePath))
	})
}

// AllTransfers returns every transfer record keyed by local path.
func (s *State) AllTransfers() (map[string]TransferRecord, error) {
	result := make(map[string]TransferRecord)

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(transfersBucket).ForEach(func(k, v []byte) error {
			var rec TransferRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}

			result[string(k)] = rec

			return nil
		})
	})

	return result, err
}

// TransferCount returns the number of stored transfer records.
func (s *State) TransferCount() int {
	count := 0
	_ = s.db.View(func(tx *bolt.Tx) error {
		count = tx.Bucket(transfersBucket).Stats().KeyN
		return nil
	})

	return count
}
