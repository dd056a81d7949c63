// Package eventstore implements the append-only NDJSON event log, one file
// per UTC day under <root>/events/YYYY-MM-DD/ingest.ndjson. A single Store
// owns the write path for its process; appends are serialized by one mutex
// and hit the file in a single Write call so lines never interleave.
package eventstore

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/fieldlab/labplane/internal/envelope"
	"github.com/fieldlab/labplane/internal/fault"
)

const (
	eventsDir = "events"
	fileName  = "ingest.ndjson"
	dirPerm   = 0o755
	filePerm  = 0o644
)

// ============================================================================
// WRITE PATH
// ============================================================================

// Store is the single in-process writer for one event root.
type Store struct {
	root string

	mu       sync.Mutex
	day      string
	file     *os.File
	appended uint64
}

// Open prepares the event root. The day file itself is created lazily on the
// first append so an idle service leaves no empty partitions behind.
func Open(root string) (*Store, error) {
	if root == "" {
		return nil, fault.New(fault.BadRequest, "event store root is required")
	}
	if err := os.MkdirAll(filepath.Join(root, eventsDir), dirPerm); err != nil {
		return nil, fault.Wrap(fault.TransientIO, err, "create event root %s", root)
	}
	return &Store{root: root}, nil
}

// Root returns the store root directory.
func (s *Store) Root() string { return s.root }

// Append validates and writes one envelope, returning the file it landed in.
// Partitioning follows the arrival clock, not the producer clock, so skewed
// producers cannot scatter writes across old day files.
func (s *Store) Append(ev envelope.Event) (string, error) {
	if err := ev.Validate(); err != nil {
		return "", err
	}
	line, err := ev.Marshal()
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	day := time.Now().UTC().Format("2006-01-02")
	if s.file == nil || day != s.day {
		if err := s.rollLocked(day); err != nil {
			return "", err
		}
	}

	// One write call per record: line + newline, no buffering in between.
	if _, err := s.file.Write(append(line, '\n')); err != nil {
		return "", fault.Wrap(fault.TransientIO, err, "append to %s", s.file.Name())
	}
	s.appended++
	return s.file.Name(), nil
}

// rollLocked closes the previous day handle and opens the new one.
func (s *Store) rollLocked(day string) error {
	if s.file != nil {
		if err := s.closeFileLocked(); err != nil {
			log.WithFields(log.Fields{"component": "eventstore", "day": s.day}).
				WithError(err).Warn("closing previous day file")
		}
	}
	dir := filepath.Join(s.root, eventsDir, day)
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return fault.Wrap(fault.TransientIO, err, "create day dir %s", dir)
	}
	f, err := os.OpenFile(filepath.Join(dir, fileName), os.O_APPEND|os.O_CREATE|os.O_WRONLY, filePerm)
	if err != nil {
		return fault.Wrap(fault.TransientIO, err, "open day file for %s", day)
	}
	s.file = f
	s.day = day
	return nil
}

func (s *Store) closeFileLocked() error {
	f := s.file
	s.file = nil
	// Durability contract: fsync on close only, never per append.
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Appended reports how many records this store instance has written.
func (s *Store) Appended() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appended
}

// Close syncs and releases the current day file.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	return s.closeFileLocked()
}

// ============================================================================
// LAYOUT HELPERS
// ============================================================================

// DayPath returns the NDJSON path for one UTC day under a root.
func DayPath(root, day string) string {
	return filepath.Join(root, eventsDir, day, fileName)
}

// Days lists the day partitions under a root, oldest first.
func Days(root string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(root, eventsDir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fault.Wrap(fault.TransientIO, err, "list event days under %s", root)
	}
	var days []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := time.Parse("2006-01-02", e.Name()); err != nil {
			continue
		}
		days = append(days, e.Name())
	}
	sort.Strings(days)
	return days, nil
}

// DaysBetween lists the UTC day names covering [from, to], newest first.
func DaysBetween(from, to time.Time) []string {
	from, to = from.UTC(), to.UTC()
	var days []string
	for d := to.Truncate(24 * time.Hour); !d.Before(from.Truncate(24 * time.Hour)); d = d.AddDate(0, 0, -1) {
		days = append(days, d.Format("2006-01-02"))
	}
	return days
}

// String implements fmt.Stringer for log lines.
func (s *Store) String() string {
	return fmt.Sprintf("eventstore(root=%s)", s.root)
}
