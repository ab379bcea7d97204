package chunk

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/itchio/cloudlet"
	"github.com/itchio/cloudlet/wtest"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

const testChunkSize = 4096

func Test_HashImageIdempotent(t *testing.T) {
	dir := wtest.TempDir(t, "chunk")
	path := filepath.Join(dir, "disk.img")

	im := wtest.NewImage(testChunkSize, 8)
	im.Fill(1, 0x1)
	im.Fill(4, 0x4)
	im.Write(t, path)

	first, err := HashImage(path, testChunkSize, nil)
	wtest.Must(t, err)
	second, err := HashImage(path, testChunkSize, nil)
	wtest.Must(t, err)

	assert.EqualValues(t, first, second)
	assert.Len(t, first, 8)

	zero := ZeroHash(testChunkSize)
	for i, ch := range first {
		assert.EqualValues(t, int64(i)*testChunkSize, ch.Offset)
		assert.EqualValues(t, testChunkSize, ch.Length)
		assert.Equal(t, Sum(im.Chunk(i)), ch.Hash)
		if i == 1 || i == 4 {
			assert.NotEqual(t, zero, ch.Hash)
		} else {
			assert.Equal(t, zero, ch.Hash)
		}
	}
}

func Test_HashImageMalformed(t *testing.T) {
	dir := wtest.TempDir(t, "chunk")
	path := filepath.Join(dir, "disk.img")

	im := &wtest.Image{ChunkSize: testChunkSize, Data: make([]byte, testChunkSize+1)}
	im.Write(t, path)

	_, err := HashImage(path, testChunkSize, nil)
	assert.Error(t, err)
	assert.True(t, errors.Is(err, cloudlet.ErrMalformedImage))
}

func Test_HashReaderLargerThanSegment(t *testing.T) {
	numChunks := 3*segmentSize/testChunkSize + 5
	im := wtest.NewImage(testChunkSize, numChunks)
	for i := 0; i < numChunks; i += 7 {
		im.Fill(i, int64(i))
	}

	size := int64(len(im.Data))
	hashes, err := HashReader(bytes.NewReader(im.Data), size, testChunkSize, testChunkSize, nil)
	wtest.Must(t, err)
	assert.Len(t, hashes, numChunks)
	for i, ch := range hashes {
		assert.Equal(t, Sum(im.Chunk(i)), ch.Hash)
	}

	const stride = 512
	windows, err := HashReader(bytes.NewReader(im.Data), size, testChunkSize, stride, nil)
	wtest.Must(t, err)
	assert.Len(t, windows, int((size-testChunkSize)/stride+1))
	for i, ch := range windows {
		assert.EqualValues(t, int64(i)*stride, ch.Offset)
		assert.Equal(t, Sum(im.Data[ch.Offset:ch.Offset+testChunkSize]), ch.Hash, "window at %d", ch.Offset)
	}
}

func Test_SlidingWindowFindsUnalignedMatch(t *testing.T) {
	base := wtest.NewImage(testChunkSize, 4)
	base.Fill(0, 10)
	base.Fill(1, 11)
	base.Fill(2, 12)

	// a chunk made of the second half of chunk 0 and first half of chunk 1
	unaligned := append([]byte{}, base.Data[2048:2048+testChunkSize]...)

	aligned, err := HashReader(bytes.NewReader(base.Data), int64(len(base.Data)), testChunkSize, testChunkSize, nil)
	wtest.Must(t, err)
	_, ok := NewIndex("base-disk", aligned).Lookup(Sum(unaligned))
	assert.False(t, ok)

	windows, err := HashReader(bytes.NewReader(base.Data), int64(len(base.Data)), testChunkSize, 512, nil)
	wtest.Must(t, err)
	loc, ok := NewIndex("base-disk", windows).Lookup(Sum(unaligned))
	assert.True(t, ok)
	assert.EqualValues(t, 2048, loc.Offset)
	assert.EqualValues(t, testChunkSize, loc.Length)
}

func Test_HashReaderRejectsBadStride(t *testing.T) {
	data := make([]byte, testChunkSize*2)
	_, err := HashReader(bytes.NewReader(data), int64(len(data)), testChunkSize, 1000, nil)
	assert.Error(t, err)
	_, err = HashReader(bytes.NewReader(data), int64(len(data)), testChunkSize, testChunkSize*2, nil)
	assert.Error(t, err)
}

func Test_IndexKeepsFirstOccurrence(t *testing.T) {
	a := Sum([]byte("a"))
	b := Sum([]byte("b"))

	ix := NewIndex("test", []ChunkHash{
		{Offset: 8192, Length: 4096, Hash: a},
		{Offset: 0, Length: 4096, Hash: b},
		{Offset: 4096, Length: 4096, Hash: a},
	})
	assert.Equal(t, 2, ix.Len())

	loc, ok := ix.Lookup(a)
	assert.True(t, ok)
	assert.EqualValues(t, 8192, loc.Offset)

	_, ok = ix.Lookup(Sum([]byte("c")))
	assert.False(t, ok)

	var empty *Index
	_, ok = empty.Lookup(a)
	assert.False(t, ok)
	assert.Equal(t, 0, empty.Len())
}

func Test_Changed(t *testing.T) {
	base := wtest.NewImage(testChunkSize, 3)
	base.Fill(0, 1)

	modified := wtest.NewImage(testChunkSize, 4)
	copy(modified.Data, base.Data)
	modified.Fill(2, 2)
	modified.Fill(3, 3)

	bh, err := HashReader(bytes.NewReader(base.Data), int64(len(base.Data)), testChunkSize, testChunkSize, nil)
	wtest.Must(t, err)
	mh, err := HashReader(bytes.NewReader(modified.Data), int64(len(modified.Data)), testChunkSize, testChunkSize, nil)
	wtest.Must(t, err)

	changed := Changed(mh, bh)
	if assert.Len(t, changed, 2) {
		assert.EqualValues(t, 2*testChunkSize, changed[0].Offset)
		assert.EqualValues(t, 3*testChunkSize, changed[1].Offset)
	}
}

func Test_HashesRoundTrip(t *testing.T) {
	im := wtest.NewImage(testChunkSize, 5)
	im.Fill(3, 33)

	hashes, err := HashReader(bytes.NewReader(im.Data), int64(len(im.Data)), testChunkSize, 512, nil)
	wtest.Must(t, err)

	buf := new(bytes.Buffer)
	wtest.Must(t, WriteHashes(buf, &HashesHeader{
		ImageSize: int64(len(im.Data)),
		ChunkSize: testChunkSize,
		Stride:    512,
	}, hashes))

	header, read, err := ReadHashes(bytes.NewReader(buf.Bytes()))
	wtest.Must(t, err)
	assert.EqualValues(t, 512, header.Stride)
	assert.EqualValues(t, len(hashes), header.Count)
	assert.EqualValues(t, hashes, read)

	_, _, err = ReadHashes(bytes.NewReader(buf.Bytes()[:buf.Len()-10]))
	assert.True(t, errors.Is(err, cloudlet.ErrTruncatedStream))

	_, _, err = ReadHashes(bytes.NewReader([]byte{0, 0, 0, 1, 2, 3}))
	assert.True(t, errors.Is(err, cloudlet.ErrIncompatibleFormat))
}
