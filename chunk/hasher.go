package chunk

import (
	"io"

	"github.com/itchio/cloudlet"
	"github.com/itchio/headway/state"
	"github.com/itchio/screw"
	"github.com/pkg/errors"
)

// how much of an image is read at once, before overlap
const segmentSize = 1024 * 1024

// HashImage returns the hash of every aligned chunk of the image at path.
func HashImage(path string, chunkSize int64, consumer *state.Consumer) ([]ChunkHash, error) {
	f, err := screw.Open(path)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer f.Close()

	stats, err := f.Stat()
	if err != nil {
		return nil, errors.WithStack(err)
	}

	hashes, err := HashReader(f, stats.Size(), chunkSize, chunkSize, consumer)
	if err != nil {
		return nil, errors.Wrapf(err, "hashing %s", path)
	}
	return hashes, nil
}

// HashReader hashes chunkSize-long windows of an image, starting every
// stride bytes. With stride == chunkSize, windows are the aligned chunks.
// With a smaller stride, windows overlap, which lets unaligned copies of
// a chunk be found later.
func HashReader(r io.ReaderAt, size int64, chunkSize int64, stride int64, consumer *state.Consumer) ([]ChunkHash, error) {
	if chunkSize <= 0 {
		return nil, errors.Errorf("invalid chunk size %d", chunkSize)
	}
	if size%chunkSize != 0 {
		return nil, errors.Wrapf(cloudlet.ErrMalformedImage, "size %d is not a multiple of chunk size %d", size, chunkSize)
	}
	if stride <= 0 || stride > chunkSize || chunkSize%stride != 0 {
		return nil, errors.Errorf("stride %d must divide chunk size %d", stride, chunkSize)
	}
	if consumer == nil {
		consumer = &state.Consumer{}
	}

	numWindows := int64(0)
	if size >= chunkSize {
		numWindows = (size-chunkSize)/stride + 1
	}
	hashes := make([]ChunkHash, 0, numWindows)

	segment := int64(segmentSize)
	if segment < chunkSize {
		segment = chunkSize
	}
	segment -= segment % chunkSize

	buf := make([]byte, segment+chunkSize)

	for start := int64(0); start+chunkSize <= size; start += segment {
		end := start + segment + chunkSize - stride
		if end > size {
			end = size
		}

		data := buf[:end-start]
		n, err := r.ReadAt(data, start)
		if n < len(data) {
			if err == nil || err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return nil, errors.WithStack(err)
		}

		for off := start; off < start+segment && off+chunkSize <= size; off += stride {
			rel := off - start
			hashes = append(hashes, ChunkHash{
				Offset: off,
				Length: chunkSize,
				Hash:   Sum(data[rel : rel+chunkSize]),
			})
		}

		consumer.Progress(float64(end) / float64(size))
	}

	return hashes, nil
}

// Changed returns the chunks of modified that differ from the chunk at
// the same offset in base, including those past the end of base.
// Both lists must be aligned hashes of the same chunk size.
func Changed(modified []ChunkHash, base []ChunkHash) []ChunkHash {
	baseByOffset := make(map[int64]Hash, len(base))
	for _, bh := range base {
		baseByOffset[bh.Offset] = bh.Hash
	}

	var changed []ChunkHash
	for _, mh := range modified {
		if h, ok := baseByOffset[mh.Offset]; ok && h == mh.Hash {
			continue
		}
		changed = append(changed, mh)
	}
	return changed
}
