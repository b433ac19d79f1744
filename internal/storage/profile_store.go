package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/gofrs/flock"

	"github.com/serenity/serenity/internal/identity"
	"github.com/serenity/serenity/internal/logging"
	"github.com/serenity/serenity/internal/profile"
)

// SaveOutcome says what a save actually did
type SaveOutcome int

const (
	SaveFailed SaveOutcome = iota
	SavePersisted
	SaveSkippedNoConsent
)

func (o SaveOutcome) String() string {
	switch o {
	case SavePersisted:
		return "persisted"
	case SaveSkippedNoConsent:
		return "skipped_no_consent"
	default:
		return "failed"
	}
}

const lockFileName = ".lock"

// ProfileStore keeps one JSON record per user under dir, named by the
// user's secure identifier. Writes are atomic and serialized across
// processes with a lock file, so the daemon and the CLI can share a
// data directory.
type ProfileStore struct {
	dir   string
	ids   *identity.Deriver
	clock profile.Clock

	mu   sync.Mutex
	lock *flock.Flock
}

// NewProfileStore creates a store rooted at dir. A nil clock uses UTC wall time.
func NewProfileStore(dir string, ids *identity.Deriver, clock profile.Clock) *ProfileStore {
	if ids == nil {
		ids = identity.Default()
	}
	return &ProfileStore{
		dir:   dir,
		ids:   ids,
		clock: clock,
		lock:  flock.New(filepath.Join(dir, lockFileName)),
	}
}

// Dir returns the directory holding the records
func (s *ProfileStore) Dir() string {
	return s.dir
}

// SecureID derives the storage identifier for a raw user identifier
func (s *ProfileStore) SecureID(userID string) string {
	return s.ids.SecureID(userID)
}

// Path returns the record path for a secure identifier
func (s *ProfileStore) Path(secureID string) string {
	return filepath.Join(s.dir, secureID+".json")
}

// New returns a fresh default profile for userID without touching disk
func (s *ProfileStore) New(userID string) *profile.Profile {
	return profile.New(userID, s.ids.SecureID(userID), s.clock)
}

// Save writes the profile's record if the user consented to data
// collection. Without consent nothing is written.
func (s *ProfileStore) Save(p *profile.Profile) (SaveOutcome, error) {
	log := logging.WithField("user", p.SecureID)

	if !p.DataCollectionConsent {
		log.Warn("User has not consented to data collection, profile not saved")
		return SaveSkippedNoConsent, nil
	}

	data, err := p.Encode()
	if err != nil {
		return SaveFailed, fmt.Errorf("encode profile: %w", err)
	}

	if err := s.withLock(func() error {
		return writeFileAtomic(s.dir, s.Path(p.SecureID), data)
	}); err != nil {
		log.Error("Failed to save profile: %v", err)
		return SaveFailed, err
	}

	log.Debug("Profile saved")
	return SavePersisted, nil
}

// Load reads the stored profile for userID. A missing record yields a fresh
// default profile, as does a record that is not readable JSON. A record with
// a malformed timestamp is an error.
func (s *ProfileStore) Load(userID string) (*profile.Profile, error) {
	secureID := s.ids.SecureID(userID)
	log := logging.WithField("user", secureID)

	// Renames are atomic, so readers never see a partial write
	data, err := os.ReadFile(s.Path(secureID))
	if errors.Is(err, os.ErrNotExist) {
		return profile.New(userID, secureID, s.clock), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read profile: %w", err)
	}

	p, err := profile.Decode(userID, secureID, data, s.clock)
	if errors.Is(err, profile.ErrUnreadableRecord) {
		log.Warn("Stored profile is unreadable, starting fresh: %v", err)
		return profile.New(userID, secureID, s.clock), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load profile %s: %w", secureID, err)
	}

	log.Debug("Profile loaded")
	return p, nil
}

// Delete removes the record for secureID and reports whether one existed
func (s *ProfileStore) Delete(secureID string) (bool, error) {
	existed := false
	err := s.withLock(func() error {
		err := os.Remove(s.Path(secureID))
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		if err != nil {
			return err
		}
		existed = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("delete profile: %w", err)
	}

	if existed {
		logging.WithField("user", secureID).Info("Profile deleted")
	}
	return existed, nil
}

// List returns the secure identifiers that have a stored record
func (s *ProfileStore) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var ids []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ".json") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ".json"))
	}
	sort.Strings(ids)
	return ids, nil
}

// withLock holds the in-process mutex and the inter-process file lock.
// flock alone does not exclude goroutines sharing one Flock.
func (s *ProfileStore) withLock(fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(s.dir, 0700); err != nil {
		return err
	}
	if err := s.lock.Lock(); err != nil {
		return fmt.Errorf("lock profile store: %w", err)
	}
	defer s.lock.Unlock()

	return fn()
}

func writeFileAtomic(dir, path string, data []byte) error {
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

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
	if err := os.Chmod(tmpName, 0600); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
