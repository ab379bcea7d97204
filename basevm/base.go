// Package basevm stores base VMs: their disk image and memory snapshot,
// along with the hashes overlays are resolved against.
package basevm

import (
	"fmt"
	"io"
	"path/filepath"
	"sync"

	lru "github.com/hashicorp/golang-lru"
	"github.com/itchio/cloudlet"
	"github.com/itchio/cloudlet/chunk"
	"github.com/itchio/headway/state"
	"github.com/itchio/headway/united"
	"github.com/itchio/lake/pools/fspool"
	"github.com/itchio/lake/tlc"
	"github.com/pkg/errors"
)

// file indices in the base container
const (
	diskIndex   = 0
	memoryIndex = 1
)

// A Base is an opened base VM. ReadReference may be called from
// several goroutines.
type Base struct {
	Dir  string
	Meta *Meta

	diskHashes   []chunk.ChunkHash
	memoryHashes []chunk.ChunkHash
	diskIndex    *chunk.Index
	memoryIndex  *chunk.Index

	container *tlc.Container
	pool      *fspool.FsPool
	poolLock  sync.Mutex
	cache     *lru.Cache
}

type cacheKey struct {
	image cloudlet.ImageKind
	index int64
}

// Open loads a base VM imported earlier. Its chunk size must match the config's.
func Open(dir string, config *cloudlet.Config, consumer *state.Consumer) (*Base, error) {
	if consumer == nil {
		consumer = &state.Consumer{}
	}

	meta, err := readMeta(filepath.Join(dir, MetaFile))
	if err != nil {
		return nil, err
	}
	if meta.ChunkSize != config.ChunkSize {
		return nil, errors.Wrapf(cloudlet.ErrIncompatibleFormat, "base %s has %d-byte chunks, expected %d", meta.Fingerprint, meta.ChunkSize, config.ChunkSize)
	}

	b := &Base{
		Dir:  dir,
		Meta: meta,
	}

	_, b.diskHashes, err = readHashes(filepath.Join(dir, DiskHashesFile))
	if err != nil {
		return nil, err
	}
	_, b.memoryHashes, err = readHashes(filepath.Join(dir, MemoryHashesFile))
	if err != nil {
		return nil, err
	}
	_, windows, err := readHashes(filepath.Join(dir, DiskIndexFile))
	if err != nil {
		return nil, err
	}

	b.diskIndex = chunk.NewIndex("base-disk", windows)
	b.memoryIndex = chunk.NewIndex("base-memory", b.memoryHashes)

	b.container = &tlc.Container{
		Files: []*tlc.File{
			diskIndex:   {Path: DiskFile, Mode: 0o644, Size: meta.DiskSize},
			memoryIndex: {Path: MemoryFile, Mode: 0o644, Size: meta.MemorySize},
		},
		Size: meta.DiskSize + meta.MemorySize,
	}
	b.pool = fspool.New(b.container, dir)

	b.cache, err = lru.New(config.BaseCacheChunks)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	consumer.Debugf("Opened base %s: %s disk, %s memory, %d disk windows indexed",
		meta.Fingerprint, united.FormatBytes(meta.DiskSize), united.FormatBytes(meta.MemorySize), b.diskIndex.Len())
	return b, nil
}

// Fingerprint identifies the base
func (b *Base) Fingerprint() string {
	return b.Meta.Fingerprint
}

// Size returns the size of one of the base images
func (b *Base) Size(image cloudlet.ImageKind) int64 {
	return b.Meta.Size(image)
}

// Hashes returns the aligned chunk hashes of one of the base images
func (b *Base) Hashes(image cloudlet.ImageKind) []chunk.ChunkHash {
	if image == cloudlet.ImageMemory {
		return b.memoryHashes
	}
	return b.diskHashes
}

// Index returns the hash index of one of the base images. The disk
// index holds sliding windows, so unaligned matches are found.
func (b *Base) Index(image cloudlet.ImageKind) *chunk.Index {
	if image == cloudlet.ImageMemory {
		return b.memoryIndex
	}
	return b.diskIndex
}

// ImagePath returns where an image is stored on disk
func (b *Base) ImagePath(image cloudlet.ImageKind) string {
	return filepath.Join(b.Dir, b.container.Files[fileIndex(image)].Path)
}

func fileIndex(image cloudlet.ImageKind) int64 {
	if image == cloudlet.ImageMemory {
		return memoryIndex
	}
	return diskIndex
}

// ReadReference returns length bytes at offset of a base image.
// Offsets needn't be aligned, but the range must be inside the image.
func (b *Base) ReadReference(image cloudlet.ImageKind, offset int64, length int64) ([]byte, error) {
	size := b.Size(image)
	if offset < 0 || length < 0 || offset+length > size {
		return nil, errors.Errorf("base %s: [%d, %d) is outside of %d bytes", image, offset, offset+length, size)
	}

	chunkSize := b.Meta.ChunkSize
	data := make([]byte, length)
	pos := offset
	for pos < offset+length {
		index := pos / chunkSize
		c, err := b.readChunk(image, index)
		if err != nil {
			return nil, err
		}

		start := pos - index*chunkSize
		n := copy(data[pos-offset:], c[start:])
		pos += int64(n)
	}
	return data, nil
}

// ReaderAt returns a reader over one image that reads zeroes past its end
func (b *Base) ReaderAt(image cloudlet.ImageKind) io.ReaderAt {
	return &imageReader{base: b, image: image}
}

type imageReader struct {
	base  *Base
	image cloudlet.ImageKind
}

func (ir *imageReader) ReadAt(p []byte, off int64) (int, error) {
	for i := range p {
		p[i] = 0
	}

	size := ir.base.Size(ir.image)
	end := off + int64(len(p))
	if end > size {
		end = size
	}
	if off < end {
		data, err := ir.base.ReadReference(ir.image, off, end-off)
		if err != nil {
			return 0, err
		}
		copy(p, data)
	}
	return len(p), nil
}

func (b *Base) readChunk(image cloudlet.ImageKind, index int64) ([]byte, error) {
	key := cacheKey{image, index}
	if v, ok := b.cache.Get(key); ok {
		return v.([]byte), nil
	}

	b.poolLock.Lock()
	defer b.poolLock.Unlock()

	rs, err := b.pool.GetReadSeeker(fileIndex(image))
	if err != nil {
		return nil, errors.WithStack(err)
	}

	chunkSize := b.Meta.ChunkSize
	_, err = rs.Seek(index*chunkSize, io.SeekStart)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	c := make([]byte, chunkSize)
	_, err = io.ReadFull(rs, c)
	if err != nil {
		return nil, errors.Wrapf(err, "reading base %s chunk %d", image, index)
	}

	b.cache.Add(key, c)
	return c, nil
}

// Close releases open files
func (b *Base) Close() error {
	b.poolLock.Lock()
	defer b.poolLock.Unlock()

	b.cache.Purge()
	return b.pool.Close()
}

func (b *Base) String() string {
	return fmt.Sprintf("base %s (%s)", b.Meta.Fingerprint, b.Dir)
}
