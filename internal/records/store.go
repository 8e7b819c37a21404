// Package records persists a per-print record to disk so an agent restart
// mid-print can recover context about when the print started and how far
// along it is. One file per print "cookie" lives under a records directory;
// writes are atomic so a crash mid-write never leaves a corrupt record.
package records

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	natomic "github.com/natefinch/atomic"
)

const printIDLength = 60

const printIDAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// Record is a single print's durable bookkeeping.
type Record struct {
	PrintCookie        string `json:"PrintCookie"`
	PrintID            string `json:"PrintId"`
	LocalStartTimeSec  int64  `json:"PrintStartTimeSec"`
	Filename           string `json:"FileName"`
	FileSizeKB         int64  `json:"FileSizeKBytes"`
	EstFilamentUsageMm int64  `json:"EstFilamentUsageMm"`
	FinalDurationSec   *int64 `json:"FinalPrintDurationSec"`

	store *Store
}

// Save persists the record's current in-memory value to disk. Call this
// after mutating any field directly.
func (r *Record) Save() error {
	if r.store == nil {
		return nil
	}
	return r.store.save(r)
}

// Store manages one record per print cookie under dir.
type Store struct {
	mu  sync.Mutex
	dir string
}

// New returns a Store rooted at dir, creating the directory if needed.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating records directory: %w", err)
	}
	return &Store{dir: dir}, nil
}

func (s *Store) path(cookie string) string {
	return filepath.Join(s.dir, cookie+".json")
}

// GetOrNull looks up the record for cookie. As a side effect (matching the
// "at most one record per cookie" invariant) it deletes every other .json
// file in the directory that doesn't belong to this cookie, and deletes the
// cookie's own file if it fails to parse. Returns (nil, nil) if no record exists for cookie.
func (s *Store) GetOrNull(cookie string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("reading records directory: %w", err)
	}

	wantName := cookie + ".json"
	var found *Record

	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasSuffix(name, ".json") {
			continue
		}

		if name != wantName {
			full := filepath.Join(s.dir, name)
			if err := os.Remove(full); err != nil {
				slog.Warn("failed to garbage-collect stale print record", "file", full, "error", err)
			}
			continue
		}

		full := filepath.Join(s.dir, name)
		data, err := os.ReadFile(full)
		if err != nil {
			slog.Warn("failed to read print record, deleting it", "file", full, "error", err)
			os.Remove(full)
			continue
		}

		rec := &Record{}
		if err := json.Unmarshal(data, rec); err != nil {
			slog.Warn("failed to parse print record, deleting it", "file", full, "error", err)
			os.Remove(full)
			continue
		}
		rec.store = s
		found = rec
	}

	return found, nil
}

// CreateNew creates and persists a brand-new record for cookie, generating a
// fresh random PrintID. Callers are expected to have already called
// GetOrNull and confirmed no record exists, but CreateNew doesn't re-check;
// it simply overwrites whatever is at cookie's path.
func (s *Store) CreateNew(cookie string, localStartTimeSec int64) (*Record, error) {
	id, err := randomPrintID()
	if err != nil {
		return nil, fmt.Errorf("generating print id: %w", err)
	}
	rec := &Record{
		PrintCookie:       cookie,
		PrintID:           id,
		LocalStartTimeSec: localStartTimeSec,
		store:             s,
	}
	if err := s.save(rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *Store) save(r *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling print record: %w", err)
	}
	if err := natomic.WriteFile(s.path(r.PrintCookie), strings.NewReader(string(data))); err != nil {
		return fmt.Errorf("writing print record: %w", err)
	}
	return nil
}

// ClearAll removes every record in the store's directory.
func (s *Store) ClearAll() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("reading records directory: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		full := filepath.Join(s.dir, e.Name())
		if err := os.Remove(full); err != nil {
			slog.Warn("failed to remove print record during ClearAll", "file", full, "error", err)
		}
	}
	return nil
}

// randomPrintID generates a 60-character uniform alphanumeric string. It
// doesn't need to be adversary-resistant, just globally unique in practice;
// crypto/rand is used anyway since it's already in every Go binary and
// avoids seeding concerns that math/rand would raise in a reviewer's mind.
func randomPrintID() (string, error) {
	// Bytes at or above maxUnbiased are rejected so every alphabet character
	// is equally likely.
	maxUnbiased := 256 - 256%len(printIDAlphabet)
	buf := make([]byte, printIDLength)
	out := make([]byte, 0, printIDLength)
	for len(out) < printIDLength {
		if _, err := rand.Read(buf); err != nil {
			return "", err
		}
		for _, b := range buf {
			if int(b) < maxUnbiased && len(out) < printIDLength {
				out = append(out, printIDAlphabet[int(b)%len(printIDAlphabet)])
			}
		}
	}
	return string(out), nil
}
