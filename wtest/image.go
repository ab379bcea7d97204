package wtest

import (
	"io/ioutil"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/itchio/randsource"
)

// RandomBytes returns size bytes that only depend on seed
func RandomBytes(seed int64, size int) []byte {
	prng := randsource.Reader{
		Source: rand.New(rand.NewSource(seed)),
	}

	buf := make([]byte, size)
	_, _ = prng.Read(buf)
	return buf
}

// Image is an in-memory disk or memory image, built chunk by chunk
type Image struct {
	ChunkSize int64
	Data      []byte
}

// NewImage returns an all-zero image of numChunks chunks
func NewImage(chunkSize int64, numChunks int) *Image {
	return &Image{
		ChunkSize: chunkSize,
		Data:      make([]byte, chunkSize*int64(numChunks)),
	}
}

// Clone returns a deep copy, so that a modified image can be derived from a base
func (im *Image) Clone() *Image {
	return &Image{
		ChunkSize: im.ChunkSize,
		Data:      append([]byte{}, im.Data...),
	}
}

// Fill replaces chunk index with random data
func (im *Image) Fill(index int, seed int64) *Image {
	return im.Set(index, RandomBytes(seed, int(im.ChunkSize)))
}

// Set replaces chunk index with data
func (im *Image) Set(index int, data []byte) *Image {
	copy(im.Chunk(index), data)
	return im
}

// Chunk returns a slice aliasing chunk index
func (im *Image) Chunk(index int) []byte {
	start := int64(index) * im.ChunkSize
	return im.Data[start : start+im.ChunkSize]
}

// Write stores the image at path, creating parent directories
func (im *Image) Write(t *testing.T, path string) {
	t.Helper()
	Must(t, os.MkdirAll(filepath.Dir(path), 0o755))
	Must(t, ioutil.WriteFile(path, im.Data, 0o644))
}
