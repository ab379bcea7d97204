package manifest

import (
	"testing"

	"github.com/itchio/cloudlet"
	"github.com/itchio/cloudlet/wtest"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

const cs = 4096

func testHeader() Header {
	return Header{
		BaseFingerprint: "abcdef",
		ChunkSize:       cs,
		DiskSize:        16 * cs,
		MemorySize:      4 * cs,
		Compression:     "brotli",
	}
}

func testManifest(t *testing.T) *Manifest {
	b := NewBuilder(testHeader())
	wtest.Must(t, b.AddBlob(BlobDescriptor{
		Name:         "blob-0000",
		Size:         1234,
		MemoryChunks: []int64{0, 2 * cs},
		DiskChunks:   []int64{5 * cs},
	}))
	wtest.Must(t, b.AddBlob(BlobDescriptor{
		Name:       "blob-0001",
		Size:       567,
		DiskChunks: []int64{0, cs, 15 * cs},
	}))

	m, err := b.Seal()
	wtest.Must(t, err)
	return m
}

func Test_Lookup(t *testing.T) {
	m := testManifest(t)

	name, err := m.Lookup(2*cs, cloudlet.ImageMemory)
	wtest.Must(t, err)
	assert.Equal(t, "blob-0000", name)

	name, err = m.Lookup(15*cs, cloudlet.ImageDisk)
	wtest.Must(t, err)
	assert.Equal(t, "blob-0001", name)

	// same offset, other image
	_, err = m.Lookup(5*cs, cloudlet.ImageMemory)
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.True(t, errors.Is(err, cloudlet.ErrManifestCorruption))

	assert.True(t, m.Contains(cloudlet.ImageDisk, cs))
	assert.False(t, m.Contains(cloudlet.ImageDisk, 2*cs))

	assert.Equal(t, []string{"blob-0000", "blob-0001"}, m.BlobOrder())
	assert.Equal(t, 6, m.NumChunks())
	assert.EqualValues(t, 1234+567, m.TotalSize())
	assert.Equal(t, []int64{0, cs, 5 * cs, 15 * cs}, m.CoveredChunks(cloudlet.ImageDisk))

	bd, ok := m.Descriptor("blob-0001")
	assert.True(t, ok)
	assert.Equal(t, 3, bd.NumChunks())
	_, ok = m.Descriptor("blob-0002")
	assert.False(t, ok)
}

func Test_SealRejectsCorruption(t *testing.T) {
	cases := map[string][]BlobDescriptor{
		"duplicate offset": {
			{Name: "a", DiskChunks: []int64{cs}},
			{Name: "b", DiskChunks: []int64{cs}},
		},
		"duplicate in one blob": {
			{Name: "a", MemoryChunks: []int64{0, 0}},
		},
		"misaligned": {
			{Name: "a", DiskChunks: []int64{100}},
		},
		"out of range": {
			{Name: "a", MemoryChunks: []int64{4 * cs}},
		},
		"duplicate name": {
			{Name: "a", DiskChunks: []int64{0}},
			{Name: "a", DiskChunks: []int64{cs}},
		},
		"empty name": {
			{DiskChunks: []int64{0}},
		},
	}

	for name, blobs := range cases {
		b := NewBuilder(testHeader())
		for _, bd := range blobs {
			wtest.Must(t, b.AddBlob(bd))
		}
		_, err := b.Seal()
		assert.True(t, errors.Is(err, cloudlet.ErrManifestCorruption), "%s: %v", name, err)
	}
}

func Test_SealOnce(t *testing.T) {
	b := NewBuilder(testHeader())
	_, err := b.Seal()
	wtest.Must(t, err)

	_, err = b.Seal()
	assert.Error(t, err)
	assert.Error(t, b.AddBlob(BlobDescriptor{Name: "late"}))
}

func Test_SealValidatesHeader(t *testing.T) {
	h := testHeader()
	h.BaseFingerprint = ""
	_, err := NewBuilder(h).Seal()
	assert.True(t, errors.Is(err, cloudlet.ErrManifestCorruption))
}

func Test_MarshalRoundTrip(t *testing.T) {
	m := testManifest(t)

	data, err := m.Marshal()
	wtest.Must(t, err)

	m2, err := Unmarshal(data)
	wtest.Must(t, err)
	assert.Equal(t, m.Header, m2.Header)
	assert.Equal(t, m.Blobs, m2.Blobs)

	_, err = Unmarshal(data[:len(data)-3])
	assert.True(t, errors.Is(err, cloudlet.ErrTruncatedStream))

	bad := append([]byte{}, data...)
	bad[0] ^= 0xff
	_, err = Unmarshal(bad)
	assert.True(t, errors.Is(err, cloudlet.ErrIncompatibleFormat))
}
