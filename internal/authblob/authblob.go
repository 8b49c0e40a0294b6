// Package authblob serializes the opaque per-account authentication state
// (protocol credentials plus Signal-style key files) into a single versioned
// blob for store persistence, and restores it back onto the filesystem
// layout the protocol library reads.
package authblob

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// SchemaVersion is the current blob schema. Blobs with a lower version are
// invalid and force re-pairing.
const SchemaVersion = 2

// CredsFileName is the credentials file inside an account auth directory.
// Every other regular file in the directory is treated as a key file.
const CredsFileName = "creds.json"

var (
	ErrInvalidBlob = errors.New("authblob: invalid or incomplete blob")
	ErrNoCreds     = errors.New("authblob: credentials not present")
)

// OwnerLock is the instance-ownership claim embedded in a persisted blob.
type OwnerLock struct {
	InstanceID string    `json:"instanceId"`
	AcquiredAt time.Time `json:"acquiredAt"`
}

// Stale reports whether the lock is old enough to be considered abandoned.
func (l OwnerLock) Stale(now time.Time, window time.Duration) bool {
	if l.InstanceID == "" || l.AcquiredAt.IsZero() {
		return true
	}
	return now.Sub(l.AcquiredAt) > window
}

// Blob is the persisted authentication state for one account.
type Blob struct {
	Version int               `json:"version"`
	Creds   json.RawMessage   `json:"creds"`
	Keys    map[string][]byte `json:"keys"`
	Owner   OwnerLock         `json:"owner"`
	SavedAt time.Time         `json:"savedAt"`
}

// credsID digs creds.me.id out of the opaque credentials document.
func credsID(creds json.RawMessage) string {
	var doc struct {
		Me struct {
			ID string `json:"id"`
		} `json:"me"`
	}
	if err := json.Unmarshal(creds, &doc); err != nil {
		return ""
	}
	return doc.Me.ID
}

// SelfID returns the paired network identity recorded in the credentials,
// or "" when pairing has not completed.
func (b *Blob) SelfID() string {
	if b == nil || len(b.Creds) == 0 {
		return ""
	}
	return credsID(b.Creds)
}

// Valid reports whether the blob represents a completed pairing on the
// current schema: version is current or newer, creds.me.id is present and
// the key map is non-empty. An invalid blob is treated as absent.
func (b *Blob) Valid() bool {
	if b == nil || b.Version < SchemaVersion {
		return false
	}
	if b.SelfID() == "" {
		return false
	}
	return len(b.Keys) > 0
}

// Encode serializes the blob to its store representation: base64 of JSON.
func (b *Blob) Encode() (string, error) {
	raw, err := json.Marshal(b)
	if err != nil {
		return "", fmt.Errorf("encode auth blob: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// Decode parses a store representation produced by Encode.
func Decode(data string) (*Blob, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(data))
	if err != nil {
		return nil, fmt.Errorf("decode auth blob: %w", err)
	}
	var b Blob
	if err := json.Unmarshal(raw, &b); err != nil {
		return nil, fmt.Errorf("decode auth blob: %w", err)
	}
	return &b, nil
}

// FromDir snapshots a local auth directory into a blob. The credentials
// file and every key file are read in one pass; the result carries the
// current schema version and the supplied ownership lock.
func FromDir(dir string, owner OwnerLock) (*Blob, error) {
	creds, err := os.ReadFile(filepath.Join(dir, CredsFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoCreds
		}
		return nil, fmt.Errorf("read creds: %w", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read auth dir: %w", err)
	}

	keys := make(map[string][]byte)
	for _, e := range entries {
		if e.IsDir() || e.Name() == CredsFileName {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("read key file %s: %w", e.Name(), err)
		}
		keys[e.Name()] = data
	}

	return &Blob{
		Version: SchemaVersion,
		Creds:   json.RawMessage(creds),
		Keys:    keys,
		Owner:   owner,
		SavedAt: time.Now().UTC(),
	}, nil
}

// WriteDir materializes the blob into an auth directory the protocol
// library can open. The directory is emptied first; the blob always
// replaces local state, it is never merged into it. Files are written via
// temp-file rename so a crash cannot leave a torn credentials file.
func (b *Blob) WriteDir(dir string) error {
	if !b.Valid() {
		return ErrInvalidBlob
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("clear auth dir: %w", err)
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create auth dir: %w", err)
	}

	if err := writeFileAtomic(filepath.Join(dir, CredsFileName), b.Creds); err != nil {
		return err
	}
	for name, data := range b.Keys {
		// Key file names come from the store; refuse anything that would
		// escape the directory.
		if name == "" || strings.ContainsAny(name, "/\\") || name == ".." {
			return fmt.Errorf("authblob: unsafe key file name %q", name)
		}
		if err := writeFileAtomic(filepath.Join(dir, name), data); err != nil {
			return err
		}
	}
	return nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename %s: %w", filepath.Base(path), err)
	}
	return nil
}

// DirFreshWithin reports whether the local auth directory was modified
// within the given window. A fresh directory is preferred over the store
// copy so a live pairing handshake is never destroyed.
func DirFreshWithin(dir string, window time.Duration) bool {
	newest := time.Time{}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return false
	}
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(newest) {
			newest = info.ModTime()
		}
	}
	if newest.IsZero() {
		return false
	}
	return time.Since(newest) <= window
}
