package bsdiff

import (
	"bytes"
	"testing"

	"github.com/itchio/cloudlet/wtest"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func Test_DiffPatchSimilar(t *testing.T) {
	obuf := wtest.RandomBytes(0xf00d, 4096)
	nbuf := append([]byte{}, obuf...)
	nbuf[12] ^= 0xff
	nbuf[2000] = 42
	copy(nbuf[3000:], []byte("a few changed bytes"))

	patch, err := Diff(obuf, nbuf)
	wtest.Must(t, err)
	assert.True(t, len(patch) < len(nbuf), "patch (%d) should be smaller than the chunk", len(patch))

	result, err := Patch(obuf, patch, int64(len(nbuf)))
	wtest.Must(t, err)
	assert.True(t, bytes.Equal(nbuf, result))
}

func Test_DiffPatchShifted(t *testing.T) {
	obuf := wtest.RandomBytes(0xbeef, 4096)
	nbuf := make([]byte, 4096)
	copy(nbuf, []byte("inserted!"))
	copy(nbuf[9:], obuf)

	patch, err := Diff(obuf, nbuf)
	wtest.Must(t, err)
	assert.True(t, len(patch) < len(nbuf))

	result, err := Patch(obuf, patch, int64(len(nbuf)))
	wtest.Must(t, err)
	assert.True(t, bytes.Equal(nbuf, result))
}

func Test_DiffPatchUnrelated(t *testing.T) {
	obuf := wtest.RandomBytes(1, 4096)
	nbuf := wtest.RandomBytes(2, 4096)

	patch, err := Diff(obuf, nbuf)
	wtest.Must(t, err)

	result, err := Patch(obuf, patch, int64(len(nbuf)))
	wtest.Must(t, err)
	assert.True(t, bytes.Equal(nbuf, result))
}

func Test_DiffPatchEmptyOld(t *testing.T) {
	nbuf := wtest.RandomBytes(3, 512)

	patch, err := Diff(nil, nbuf)
	wtest.Must(t, err)

	result, err := Patch(nil, patch, int64(len(nbuf)))
	wtest.Must(t, err)
	assert.True(t, bytes.Equal(nbuf, result))
}

func Test_PatchCorrupt(t *testing.T) {
	obuf := wtest.RandomBytes(4, 1024)
	nbuf := append([]byte{}, obuf...)
	nbuf[100] = 7

	patch, err := Diff(obuf, nbuf)
	wtest.Must(t, err)

	_, err = Patch(obuf, patch[:len(patch)/2], int64(len(nbuf)))
	assert.Error(t, err)
	assert.True(t, errors.Is(err, ErrCorrupt))

	_, err = Patch(obuf, patch, int64(len(nbuf))-1)
	assert.Error(t, err)
	assert.True(t, errors.Is(err, ErrCorrupt))
}

func Test_Sparse(t *testing.T) {
	diff := make([]byte, 300)
	diff[5] = 1
	diff[6] = 2
	diff[8] = 3
	diff[299] = 9

	packed := packSparse(diff)
	assert.True(t, len(packed) < 16)

	unpacked, err := unpackSparse(packed, int64(len(diff)))
	wtest.Must(t, err)
	assert.EqualValues(t, diff, unpacked)

	_, err = unpackSparse(packed, 10)
	assert.Error(t, err)
}
