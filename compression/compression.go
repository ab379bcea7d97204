// Package compression holds the compressors overlay blobs can be stored with.
// Algorithms register themselves, and are looked up by name.
package compression

import (
	"io"
	"sync"

	"github.com/pkg/errors"
)

// Algorithm names a compression scheme, as stored in manifests
type Algorithm string

const (
	None   Algorithm = "none"
	Brotli Algorithm = "brotli"
	Zstd   Algorithm = "zstd"
)

// A Compressor wraps a writer
type Compressor interface {
	Apply(writer io.Writer, quality int32) (io.WriteCloser, error)
}

// A Decompressor wraps a reader
type Decompressor interface {
	Apply(reader io.Reader) (io.ReadCloser, error)
}

var (
	registryLock  sync.RWMutex
	compressors   = make(map[Algorithm]Compressor)
	decompressors = make(map[Algorithm]Decompressor)
)

// RegisterCompressor lets Compress use c for algo
func RegisterCompressor(algo Algorithm, c Compressor) {
	registryLock.Lock()
	defer registryLock.Unlock()
	compressors[algo] = c
}

// RegisterDecompressor lets Decompress use d for algo
func RegisterDecompressor(algo Algorithm, d Decompressor) {
	registryLock.Lock()
	defer registryLock.Unlock()
	decompressors[algo] = d
}

// ErrUnknownAlgorithm is returned for algorithms nothing was registered for
var ErrUnknownAlgorithm = errors.New("unknown compression algorithm")

// ParseAlgorithm checks that name is a registered algorithm
func ParseAlgorithm(name string) (Algorithm, error) {
	algo := Algorithm(name)

	registryLock.RLock()
	defer registryLock.RUnlock()
	if _, ok := compressors[algo]; !ok {
		return "", errors.Wrapf(ErrUnknownAlgorithm, "%q", name)
	}
	return algo, nil
}

// Compress returns a writer compressing into w. Closing it flushes
// everything, but doesn't close w.
func Compress(w io.Writer, algo Algorithm, quality int32) (io.WriteCloser, error) {
	registryLock.RLock()
	c, ok := compressors[algo]
	registryLock.RUnlock()
	if !ok {
		return nil, errors.Wrapf(ErrUnknownAlgorithm, "no compressor for %q", algo)
	}

	cw, err := c.Apply(w, quality)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return cw, nil
}

// Decompress returns a reader decompressing from r
func Decompress(r io.Reader, algo Algorithm) (io.ReadCloser, error) {
	registryLock.RLock()
	d, ok := decompressors[algo]
	registryLock.RUnlock()
	if !ok {
		return nil, errors.Wrapf(ErrUnknownAlgorithm, "no decompressor for %q", algo)
	}

	dr, err := d.Apply(r)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return dr, nil
}
