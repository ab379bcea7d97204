package basevm

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/itchio/cloudlet"
	"github.com/itchio/cloudlet/chunk"
	"github.com/itchio/cloudlet/wtest"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

const cs = 4096

func makeImages(t *testing.T, dir string) (*wtest.Image, *wtest.Image, string, string) {
	disk := wtest.NewImage(cs, 6)
	for i := 0; i < 6; i += 2 {
		disk.Fill(i, int64(i+1))
	}
	memory := wtest.NewImage(cs, 3)
	memory.Fill(1, 42)

	diskPath := filepath.Join(dir, "src", "disk.raw")
	memoryPath := filepath.Join(dir, "src", "mem.raw")
	disk.Write(t, diskPath)
	memory.Write(t, memoryPath)
	return disk, memory, diskPath, memoryPath
}

func Test_ImportAndRead(t *testing.T) {
	dir := wtest.TempDir(t, "basevm")
	disk, memory, diskPath, memoryPath := makeImages(t, dir)

	config := cloudlet.DefaultConfig()
	config.BaseCacheChunks = 2

	b, err := Import(ImportParams{
		Dir:        filepath.Join(dir, "base"),
		DiskPath:   diskPath,
		MemoryPath: memoryPath,
		Config:     config,
	})
	wtest.Must(t, err)
	defer b.Close()

	assert.EqualValues(t, len(disk.Data), b.Size(cloudlet.ImageDisk))
	assert.EqualValues(t, len(memory.Data), b.Size(cloudlet.ImageMemory))
	assert.Len(t, b.Hashes(cloudlet.ImageDisk), 6)
	assert.Len(t, b.Hashes(cloudlet.ImageMemory), 3)
	assert.NotEmpty(t, b.Fingerprint())

	// unaligned, across chunks, more than the cache holds
	data, err := b.ReadReference(cloudlet.ImageDisk, 1000, 3*cs)
	wtest.Must(t, err)
	assert.True(t, bytes.Equal(disk.Data[1000:1000+3*cs], data))

	data, err = b.ReadReference(cloudlet.ImageMemory, cs, cs)
	wtest.Must(t, err)
	assert.True(t, bytes.Equal(memory.Chunk(1), data))

	_, err = b.ReadReference(cloudlet.ImageMemory, 2*cs+1, cs)
	assert.Error(t, err)

	// sliding window index finds unaligned content
	loc, ok := b.Index(cloudlet.ImageDisk).Lookup(chunk.Sum(disk.Data[512 : 512+cs]))
	assert.True(t, ok)
	assert.EqualValues(t, 512, loc.Offset)

	// zero-filled past the end
	buf := make([]byte, 2*cs)
	n, err := b.ReaderAt(cloudlet.ImageMemory).ReadAt(buf, 2*cs)
	wtest.Must(t, err)
	assert.Equal(t, 2*cs, n)
	assert.True(t, bytes.Equal(memory.Chunk(2), buf[:cs]))
	assert.True(t, bytes.Equal(make([]byte, cs), buf[cs:]))

	// reopening gives the same thing
	b2, err := Open(b.Dir, config, nil)
	wtest.Must(t, err)
	defer b2.Close()
	assert.Equal(t, b.Meta, b2.Meta)
	assert.Equal(t, b.Hashes(cloudlet.ImageDisk), b2.Hashes(cloudlet.ImageDisk))

	other := cloudlet.DefaultConfig()
	other.ChunkSize = 8192
	other.WindowSize = 1024
	_, err = Open(b.Dir, other, nil)
	assert.True(t, errors.Is(err, cloudlet.ErrIncompatibleFormat))
}

func Test_ImportMalformed(t *testing.T) {
	dir := wtest.TempDir(t, "basevm")
	_, _, diskPath, _ := makeImages(t, dir)

	odd := &wtest.Image{ChunkSize: cs, Data: make([]byte, cs+3)}
	oddPath := filepath.Join(dir, "odd.raw")
	odd.Write(t, oddPath)

	_, err := Import(ImportParams{
		Dir:        filepath.Join(dir, "base"),
		DiskPath:   diskPath,
		MemoryPath: oddPath,
		Config:     cloudlet.DefaultConfig(),
	})
	assert.True(t, errors.Is(err, cloudlet.ErrMalformedImage))
}

func Test_Store(t *testing.T) {
	dir := wtest.TempDir(t, "basevm")
	_, _, diskPath, memoryPath := makeImages(t, dir)

	s := NewStore(filepath.Join(dir, "store"), cloudlet.DefaultConfig(), nil)
	defer s.Close()

	b, err := s.Import(diskPath, memoryPath)
	wtest.Must(t, err)

	b2, err := s.Get(b.Fingerprint())
	wtest.Must(t, err)
	assert.True(t, b == b2)

	list, err := s.List()
	wtest.Must(t, err)
	assert.Equal(t, []string{b.Fingerprint()}, list)

	_, err = s.Get("nope")
	assert.True(t, errors.Is(err, ErrUnknownBase))

	// a fresh store finds it on disk
	s2 := NewStore(s.Root, cloudlet.DefaultConfig(), nil)
	defer s2.Close()
	b3, err := s2.Get(b.Fingerprint())
	wtest.Must(t, err)
	assert.Equal(t, b.Meta, b3.Meta)
}
