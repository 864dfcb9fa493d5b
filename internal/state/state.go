// Package state persists the session token and push-stream resume
// cursor per controller host, so a restarted client reuses its login
// and resumes the stream instead of replaying everything.
package state

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	json "github.com/goccy/go-json"
	bolt "go.etcd.io/bbolt"
)

const (
	// stateDirPerm is the permission mode for the state directory.
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the state database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt
	// database lock.
	stateOpenTimeout = 5 * time.Second
)

var (
	sessionsBucket = []byte("sessions")
	cursorsBucket  = []byte("cursors")
)

// Session is a cached controller login.
type Session struct {
	Cookie    string `json:"cookie"`
	CSRFToken string `json:"csrf_token"`
	SavedAt   int64  `json:"saved_at"`
}

// Store is the on-disk client state, keyed by controller host.
type Store struct {
	db *bolt.DB
}

// DefaultPath returns ~/.uiprotect/state.db.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(home, ".uiprotect", "state.db"), nil
}

// Open creates or opens the state database at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{sessionsBucket, cursorsBucket} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating state buckets: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the database.
func (s *Store) Close() error { return s.db.Close() }

// GetSession returns the cached session for host, or nil if none.
func (s *Store) GetSession(host string) (*Session, error) {
	var sess *Session

	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(sessionsBucket).Get([]byte(host))
		if data == nil {
			return nil
		}

		sess = &Session{}

		return json.Unmarshal(data, sess)
	})
	if err != nil {
		return nil, fmt.Errorf("loading session for %s: %w", host, err)
	}

	return sess, nil
}

// SetSession caches a session for host.
func (s *Store) SetSession(host string, sess Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshalling session: %w", err)
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(sessionsBucket).Put([]byte(host), data)
	})
	if err != nil {
		return fmt.Errorf("saving session for %s: %w", host, err)
	}

	return nil
}

// DeleteSession drops the cached session for host. Missing entries are
// not an error.
func (s *Store) DeleteSession(host string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(sessionsBucket).Delete([]byte(host))
	})
	if err != nil {
		return fmt.Errorf("deleting session for %s: %w", host, err)
	}

	return nil
}

// GetCursor returns the persisted push-stream resume cursor for host,
// or "" if none.
func (s *Store) GetCursor(host string) (string, error) {
	var cursor string

	err := s.db.View(func(tx *bolt.Tx) error {
		if data := tx.Bucket(cursorsBucket).Get([]byte(host)); data != nil {
			cursor = string(data)
		}

		return nil
	})
	if err != nil {
		return "", fmt.Errorf("loading cursor for %s: %w", host, err)
	}

	return cursor, nil
}

// SetCursor persists the push-stream resume cursor for host.
func (s *Store) SetCursor(host, cursor string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(cursorsBucket).Put([]byte(host), []byte(cursor))
	})
	if err != nil {
		return fmt.Errorf("saving cursor for %s: %w", host, err)
	}

	return nil
}
