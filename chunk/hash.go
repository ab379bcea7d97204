// Package chunk hashes disk and memory images in fixed-size chunks and
// indexes those hashes so that later chunks can be matched by content.
package chunk

import (
	"encoding/hex"

	"golang.org/x/crypto/sha3"
)

// HashSize is the size of a chunk hash, in bytes
const HashSize = 32

// Hash identifies a chunk's content
type Hash [HashSize]byte

// Sum hashes a chunk's content
func Sum(data []byte) Hash {
	return Hash(sha3.Sum256(data))
}

func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// HashFromBytes copies a hash out of a byte slice, which must be HashSize long.
func HashFromBytes(b []byte) (Hash, bool) {
	var h Hash
	if len(b) != HashSize {
		return h, false
	}
	copy(h[:], b)
	return h, true
}

// ZeroHash returns the hash of a chunk that only contains zeroes
func ZeroHash(chunkSize int64) Hash {
	return Sum(make([]byte, chunkSize))
}

// ChunkHash is the hash of the [Offset, Offset+Length) range of an image
type ChunkHash struct {
	Offset int64
	Length int64
	Hash   Hash
}
