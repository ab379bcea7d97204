package bsdiff

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// Diff bytes between similar chunks are mostly zero. They're stored as
// a list of (zero run length, literal length, literal bytes).

func packSparse(diff []byte) []byte {
	out := make([]byte, 0, 16)
	var tmp [binary.MaxVarintLen64]byte

	i := 0
	for i < len(diff) {
		zeroStart := i
		for i < len(diff) && diff[i] == 0 {
			i++
		}
		zeroRun := i - zeroStart

		litStart := i
		for i < len(diff) {
			if diff[i] == 0 {
				// a couple of zeroes aren't worth a new run
				j := i
				for j < len(diff) && j-i < 3 && diff[j] == 0 {
					j++
				}
				if j-i >= 3 || j == len(diff) {
					break
				}
				i = j
				continue
			}
			i++
		}
		lit := diff[litStart:i]

		n := binary.PutUvarint(tmp[:], uint64(zeroRun))
		out = append(out, tmp[:n]...)
		n = binary.PutUvarint(tmp[:], uint64(len(lit)))
		out = append(out, tmp[:n]...)
		out = append(out, lit...)
	}
	return out
}

func unpackSparse(packed []byte, size int64) ([]byte, error) {
	diff := make([]byte, size)
	var pos int64

	for len(packed) > 0 {
		zeroRun, n := binary.Uvarint(packed)
		if n <= 0 {
			return nil, errors.WithStack(ErrCorrupt)
		}
		packed = packed[n:]

		litLen, n := binary.Uvarint(packed)
		if n <= 0 {
			return nil, errors.WithStack(ErrCorrupt)
		}
		packed = packed[n:]

		if zeroRun > uint64(size-pos) {
			return nil, errors.WithStack(ErrCorrupt)
		}
		pos += int64(zeroRun)

		if litLen > uint64(size-pos) || litLen > uint64(len(packed)) {
			return nil, errors.WithStack(ErrCorrupt)
		}
		copy(diff[pos:], packed[:litLen])
		pos += int64(litLen)
		packed = packed[litLen:]
	}

	return diff, nil
}
