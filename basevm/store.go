package basevm

import (
	"io/ioutil"
	"path/filepath"
	"sync"

	"github.com/itchio/cloudlet"
	"github.com/itchio/headway/state"
	"github.com/itchio/screw"
	"github.com/pkg/errors"
)

// ErrUnknownBase is returned when a store has no base with the requested fingerprint
var ErrUnknownBase = errors.New("unknown base VM")

// A Store keeps base VMs in subdirectories of a root, named after their
// fingerprint. Opened bases are kept around until the store is closed.
type Store struct {
	Root     string
	Config   *cloudlet.Config
	Consumer *state.Consumer

	lock  sync.Mutex
	bases map[string]*Base
}

// NewStore returns a store rooted at root
func NewStore(root string, config *cloudlet.Config, consumer *state.Consumer) *Store {
	if consumer == nil {
		consumer = &state.Consumer{}
	}
	return &Store{
		Root:     root,
		Config:   config,
		Consumer: consumer,
		bases:    make(map[string]*Base),
	}
}

// Import adds a base VM to the store
func (s *Store) Import(diskPath string, memoryPath string) (*Base, error) {
	err := screw.MkdirAll(s.Root, 0o755)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	tmpDir, err := ioutil.TempDir(s.Root, ".import-")
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer screw.RemoveAll(tmpDir)

	b, err := Import(ImportParams{
		Dir:        tmpDir,
		DiskPath:   diskPath,
		MemoryPath: memoryPath,
		Config:     s.Config,
		Consumer:   s.Consumer,
	})
	if err != nil {
		return nil, err
	}
	fingerprint := b.Fingerprint()
	err = b.Close()
	if err != nil {
		return nil, err
	}

	s.lock.Lock()
	defer s.lock.Unlock()

	if existing, ok := s.bases[fingerprint]; ok {
		return existing, nil
	}

	dir := filepath.Join(s.Root, fingerprint)
	if _, err := readMeta(filepath.Join(dir, MetaFile)); err != nil {
		screw.RemoveAll(dir)
		err = screw.Rename(tmpDir, dir)
		if err != nil {
			return nil, errors.WithStack(err)
		}
	} else {
		s.Consumer.Infof("Base %s was already imported", fingerprint)
	}

	return s.openLocked(fingerprint)
}

// Get opens a base by fingerprint, returning an error wrapping ErrUnknownBase
// if it isn't in the store.
func (s *Store) Get(fingerprint string) (*Base, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	return s.openLocked(fingerprint)
}

func (s *Store) openLocked(fingerprint string) (*Base, error) {
	if b, ok := s.bases[fingerprint]; ok {
		return b, nil
	}

	dir := filepath.Join(s.Root, fingerprint)
	if _, err := readMeta(filepath.Join(dir, MetaFile)); err != nil {
		return nil, errors.Wrapf(ErrUnknownBase, "%s: %v", fingerprint, err)
	}

	b, err := Open(dir, s.Config, s.Consumer)
	if err != nil {
		return nil, err
	}
	s.bases[fingerprint] = b
	return b, nil
}

// List returns the fingerprints of every base in the store
func (s *Store) List() ([]string, error) {
	entries, err := ioutil.ReadDir(s.Root)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	var res []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := readMeta(filepath.Join(s.Root, e.Name(), MetaFile)); err == nil {
			res = append(res, e.Name())
		}
	}
	return res, nil
}

// Close closes every opened base
func (s *Store) Close() error {
	s.lock.Lock()
	defer s.lock.Unlock()

	var firstErr error
	for fingerprint, b := range s.bases {
		err := b.Close()
		if err != nil && firstErr == nil {
			firstErr = err
		}
		delete(s.bases, fingerprint)
	}
	return firstErr
}
