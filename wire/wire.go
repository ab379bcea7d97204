package wire

import (
	"encoding/binary"
	"os"

	"github.com/pkg/errors"
)

// ENDIANNESS is used for magic numbers and frame lengths
var ENDIANNESS = binary.BigEndian

// DEBUG_WIRE prints every message read or written when set
var DEBUG_WIRE = os.Getenv("CLOUDLET_DEBUG_WIRE") == "1"

// MaxFrameSize is the largest message we'll agree to read. A blob travels
// in a single SEND_OVERLAY message, so this bounds the blob size too.
const MaxFrameSize = 256 * 1024 * 1024

var (
	// ErrFrameTooLarge is returned when a peer announces a message larger than MaxFrameSize
	ErrFrameTooLarge = errors.New("wire: frame too large")
)

// ErrInvalidMagic is returned by ExpectMagic
var ErrInvalidMagic = errors.New("wire: invalid magic number")
