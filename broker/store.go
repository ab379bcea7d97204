package broker

import (
	"io"
	"os"
	"sync"

	"github.com/itchio/screw"
	"github.com/pkg/errors"
)

// A Store holds the reconstructed bytes of one image
type Store interface {
	io.ReaderAt
	io.WriterAt
	io.Closer
}

// FileStore keeps an image in a sparse file, which is what
// the hypervisor ends up booting from.
type FileStore struct {
	Path string
	f    *os.File
}

var _ Store = (*FileStore)(nil)

// OpenFileStore creates an empty, sparse file of the given size at path,
// replacing whatever was there.
func OpenFileStore(path string, size int64) (*FileStore, error) {
	f, err := screw.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_RDWR, 0o644)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	err = f.Truncate(size)
	if err != nil {
		f.Close()
		return nil, errors.WithStack(err)
	}

	return &FileStore{Path: path, f: f}, nil
}

func (fs *FileStore) ReadAt(p []byte, off int64) (int, error) {
	return fs.f.ReadAt(p, off)
}

func (fs *FileStore) WriteAt(p []byte, off int64) (int, error) {
	return fs.f.WriteAt(p, off)
}

func (fs *FileStore) Close() error {
	return fs.f.Close()
}

// MemStore keeps an image in memory
type MemStore struct {
	lock   sync.RWMutex
	data   []byte
	closed bool
}

var _ Store = (*MemStore)(nil)

// NewMemStore returns a zero-filled store of the given size
func NewMemStore(size int64) *MemStore {
	return &MemStore{data: make([]byte, size)}
}

func (ms *MemStore) ReadAt(p []byte, off int64) (int, error) {
	ms.lock.RLock()
	defer ms.lock.RUnlock()

	if ms.closed {
		return 0, os.ErrClosed
	}
	if off >= int64(len(ms.data)) {
		return 0, io.EOF
	}
	n := copy(p, ms.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (ms *MemStore) WriteAt(p []byte, off int64) (int, error) {
	ms.lock.Lock()
	defer ms.lock.Unlock()

	if ms.closed {
		return 0, os.ErrClosed
	}
	if off+int64(len(p)) > int64(len(ms.data)) {
		return 0, errors.Errorf("write of %d bytes at %d past end of %d-byte store", len(p), off, len(ms.data))
	}
	return copy(ms.data[off:], p), nil
}

func (ms *MemStore) Close() error {
	ms.lock.Lock()
	defer ms.lock.Unlock()
	ms.closed = true
	return nil
}

// Bytes returns the store's content
func (ms *MemStore) Bytes() []byte {
	ms.lock.RLock()
	defer ms.lock.RUnlock()
	return ms.data
}

const seedBufferSize = 64 * 1024

// Seed copies the first size bytes of base into a freshly opened store,
// so that chunks no overlay touches read the same from the store as from
// the base. All-zero runs are skipped, which keeps file stores sparse.
func Seed(store Store, base io.ReaderAt, size int64) error {
	buf := make([]byte, seedBufferSize)
	for off := int64(0); off < size; off += int64(len(buf)) {
		n := int64(len(buf))
		if off+n > size {
			n = size - off
		}
		p := buf[:n]

		read, err := base.ReadAt(p, off)
		if int64(read) < n {
			if err == nil || err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return errors.Wrapf(err, "seeding %d bytes at %d", n, off)
		}
		if isZero(p) {
			continue
		}

		_, err = store.WriteAt(p, off)
		if err != nil {
			return errors.WithStack(err)
		}
	}
	return nil
}

func isZero(p []byte) bool {
	for _, b := range p {
		if b != 0 {
			return false
		}
	}
	return true
}
