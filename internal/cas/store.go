// Package cas implements PodCache's content-addressed disk tier: the
// spill target for entries evicted from an LRU partition.
//
// Every operation is keyed by a caller-supplied string key; the key is
// never stored verbatim on disk. Instead its SHA-256 digest is split
// into four 16-hex-character segments that become a four-level
// directory fan-out.
package cas

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path"
	"strconv"
	"sync"
	"time"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/mi0772/podcache/internal/digest"
)

const (
	valueFile = "value.dat"
	timeFile  = "time.dat"
	dirPerm   = 0o755
)

// Store is the on-disk content-addressed tier. It is safe for
// concurrent use: the registry is guarded by an internal mutex even
// though the coordinator additionally serializes CAS calls under the
// owning partition's lock (spec §4.2/§9 — PodCache documents the
// invariant AND makes the store thread-safe on its own, rather than
// choosing one over the other).
type Store struct {
	fs       afero.Fs
	basePath string
	log      *zap.Logger

	mu       sync.Mutex
	registry []string // paths of currently-stored entries, for teardown/bookkeeping
}

// New creates a store rooted under root, choosing a private
// subdirectory of root at random (8 hex characters) so cooperating
// processes sharing the same PODCACHE_FSROOT don't collide.
func New(fs afero.Fs, root string, log *zap.Logger) (*Store, error) {
	suffix, err := randomHex8()
	if err != nil {
		return nil, fmt.Errorf("cas: generate base path suffix: %w", err)
	}
	basePath := path.Join(root, suffix)
	if err := fs.MkdirAll(basePath, dirPerm); err != nil {
		return nil, fmt.Errorf("cas: create base path %q: %w", basePath, err)
	}
	return &Store{fs: fs, basePath: basePath, log: log}, nil
}

func randomHex8() (string, error) {
	var buf [4]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf[:]), nil
}

// BasePath returns the store's private root directory.
func (s *Store) BasePath() string {
	return s.basePath
}

func (s *Store) leafDir(key string) string {
	chunks := digest.Chunks(digest.Hex(key))
	return path.Join(s.basePath, chunks[0], chunks[1], chunks[2], chunks[3])
}

// Put writes value under the path derived from key's digest, replacing
// any prior entry for the same key (idempotent overwrite). It returns
// the leaf directory the value was written under.
func (s *Store) Put(key string, value []byte) (string, error) {
	leaf := s.leafDir(key)

	if exists, err := afero.DirExists(s.fs, leaf); err != nil {
		return "", fmt.Errorf("cas: stat %q: %w", leaf, err)
	} else if exists {
		if err := s.removeLeaf(leaf); err != nil {
			return "", fmt.Errorf("cas: replace existing entry at %q: %w", leaf, err)
		}
	}

	if err := s.fs.MkdirAll(leaf, dirPerm); err != nil {
		return "", fmt.Errorf("cas: create directories %q: %w", leaf, err)
	}

	if err := afero.WriteFile(s.fs, path.Join(leaf, valueFile), value, 0o644); err != nil {
		return "", fmt.Errorf("cas: write value for %q: %w", key, err)
	}
	stamp := []byte(strconv.FormatInt(time.Now().Unix(), 10))
	if err := afero.WriteFile(s.fs, path.Join(leaf, timeFile), stamp, 0o644); err != nil {
		return "", fmt.Errorf("cas: write timestamp for %q: %w", key, err)
	}

	s.mu.Lock()
	registered := false
	for _, p := range s.registry {
		if p == leaf {
			registered = true
			break
		}
	}
	if !registered {
		s.registry = append(s.registry, leaf)
	}
	s.mu.Unlock()

	s.log.Debug("spilled entry to disk", zap.String("key", key), zap.String("path", leaf), zap.Int("bytes", len(value)))
	return leaf, nil
}

// Get reads back the value stored for key. ok is false on a clean miss.
func (s *Store) Get(key string) (value []byte, ok bool, err error) {
	leaf := s.leafDir(key)
	valuePath := path.Join(leaf, valueFile)

	if _, statErr := s.fs.Stat(valuePath); statErr != nil {
		if os.IsNotExist(statErr) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("cas: stat %q: %w", valuePath, statErr)
	}

	data, err := afero.ReadFile(s.fs, valuePath)
	if err != nil {
		return nil, false, fmt.Errorf("cas: read %q: %w", valuePath, err)
	}
	return data, true, nil
}

// Evict removes the on-disk entry for key. ok is false if the key was
// not present; a present key whose removal fails is reported as an
// error, per spec §4.2 ("if every removal succeeds, delete the
// matching registry entry; otherwise report failure").
func (s *Store) Evict(key string) (ok bool, err error) {
	leaf := s.leafDir(key)

	exists, err := afero.DirExists(s.fs, leaf)
	if err != nil {
		return false, fmt.Errorf("cas: stat %q: %w", leaf, err)
	}
	if !exists {
		return false, nil
	}

	if err := s.removeLeaf(leaf); err != nil {
		return false, fmt.Errorf("cas: remove %q: %w", leaf, err)
	}

	s.mu.Lock()
	for i, p := range s.registry {
		if p == leaf {
			s.registry = append(s.registry[:i], s.registry[i+1:]...)
			break
		}
	}
	s.mu.Unlock()

	s.log.Debug("evicted disk entry", zap.String("key", key), zap.String("path", leaf))
	return true, nil
}

// removeLeaf deletes the leaf directory and its three ancestor
// fan-out directories (four in all, never the base path), bottom-up, mirroring cas_remove in the original C
// source, but stops climbing as soon as an ancestor still holds
// sibling fan-out entries. Checking emptiness explicitly (rather than
// relying on an ENOTEMPTY error from Remove) keeps this identical on
// afero's in-memory test backend and the real OS filesystem, which
// don't agree on how non-empty-directory removal fails.
func (s *Store) removeLeaf(leaf string) error {
	for _, f := range []string{valueFile, timeFile} {
		if err := s.fs.Remove(path.Join(leaf, f)); err != nil && !os.IsNotExist(err) {
			return err
		}
	}

	dirs := []string{
		leaf,
		path.Dir(leaf),
		path.Dir(path.Dir(leaf)),
		path.Dir(path.Dir(path.Dir(leaf))),
	}
	for _, d := range dirs {
		empty, err := s.dirIsEmpty(d)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return err
		}
		if !empty {
			return nil
		}
		if err := s.fs.Remove(d); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

func (s *Store) dirIsEmpty(dir string) (bool, error) {
	names, err := afero.ReadDir(s.fs, dir)
	if err != nil {
		return false, err
	}
	return len(names) == 0, nil
}

// Destroy recursively deletes the store's entire base path and clears
// the registry. Called once, at server shutdown.
func (s *Store) Destroy() error {
	s.mu.Lock()
	s.registry = nil
	s.mu.Unlock()

	if err := s.fs.RemoveAll(s.basePath); err != nil {
		return fmt.Errorf("cas: destroy base path %q: %w", s.basePath, err)
	}
	return nil
}

// RegistrySize reports how many entries are currently tracked, for
// diagnostics and tests.
func (s *Store) RegistrySize() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.registry)
}
