package state

import (
	"fmt"
	"math"
	"time"

	"github.com/tidwall/gjson"
)

// Legacy holds the state found in an old desktop-app config document:
// the upload history and the local checksum cache, both flat JSON maps.
type Legacy struct {
	Transfers []TransferRecord
	// Checksums maps the old "path|size|mtime" keys (mtime in fractional
	// seconds) to hex digests, in document order.
	Checksums []ChecksumEntry
}

// ParseLegacy extracts upload_history and local_checksum_cache from a
// legacy JSON config document. Entries with missing fields are skipped.
func ParseLegacy(doc []byte) (*Legacy, error) {
	if !gjson.ValidBytes(doc) {
		return nil, fmt.Errorf("legacy config is not valid JSON")
	}

	root := gjson.ParseBytes(doc)
	legacy := &Legacy{}

	root.Get("upload_history").ForEach(func(key, value gjson.Result) bool {
		checksum := value.Get("checksum").String()
		if key.String() == "" || checksum == "" {
			return true
		}

		legacy.Transfers = append(legacy.Transfers, TransferRecord{
			FilePath:   key.String(),
			RemotePath: value.Get("remote_path").String(),
			Digest:     checksum,
			Timestamp:  unixFloat(value.Get("timestamp").Float()),
		})

		return true
	})

	var seq uint64

	root.Get("local_checksum_cache").ForEach(func(key, value gjson.Result) bool {
		if key.String() == "" || value.String() == "" {
			return true
		}

		legacy.Checksums = append(legacy.Checksums, ChecksumEntry{
			Key:    key.String(),
			Digest: value.String(),
			Seq:    seq,
		})
		seq++

		return true
	})

	return legacy, nil
}

// ImportTransfers stores every legacy transfer record that is not already
// present. Returns the number of records written.
func (s *State) ImportTransfers(records []TransferRecord) (int, error) {
	written := 0

	for _, rec := range records {
		existing, err := s.GetTransfer(rec.FilePath)
		if err != nil {
			return written, fmt.Errorf("reading transfer %s: %w", rec.FilePath, err)
		}

		if existing != nil {
			continue
		}

		if err := s.SetTransfer(rec); err != nil {
			return written, fmt.Errorf("writing transfer %s: %w", rec.FilePath, err)
		}

		written++
	}

	return written, nil
}

func unixFloat(sec float64) time.Time {
	if sec <= 0 {
		return time.Time{}
	}

	whole, frac := math.Modf(sec)

	return time.Unix(int64(whole), int64(frac*1e9)).UTC()
}
