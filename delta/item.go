// Package delta decides how each changed chunk of a VM image is encoded
// in an overlay, and (de)serializes those decisions as overlay blobs.
package delta

import (
	"fmt"

	"github.com/itchio/cloudlet"
	"github.com/itchio/cloudlet/chunk"
)

// Kind is the reference kind of an item, as stored in blobs
type Kind uint8

const (
	KindZero       Kind = 1
	KindBaseDisk   Kind = 2
	KindBaseMemory Kind = 3
	KindSelf       Kind = 4
	KindRaw        Kind = 5
	KindXdelta     Kind = 6
)

// Kinds lists every kind, in resolution priority order
var Kinds = []Kind{KindZero, KindBaseDisk, KindBaseMemory, KindSelf, KindRaw, KindXdelta}

func (k Kind) String() string {
	switch k {
	case KindZero:
		return "ZERO"
	case KindBaseDisk:
		return "BASE_DISK"
	case KindBaseMemory:
		return "BASE_MEMORY"
	case KindSelf:
		return "SELF"
	case KindRaw:
		return "RAW"
	case KindXdelta:
		return "XDELTA"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// A Ref says where an item's content comes from. Its implementations
// are Zero, BaseDisk, BaseMemory, Self, Raw and Xdelta.
type Ref interface {
	Kind() Kind
	isRef()
}

// Zero is an all-zero chunk
type Zero struct{}

// BaseDisk points into the base disk image. Offset needn't be aligned.
type BaseDisk struct {
	Offset int64
}

// BaseMemory points into the base memory snapshot
type BaseMemory struct {
	Offset int64
}

// Self points at another chunk of the same overlay, which is always
// applied before this one.
type Self struct {
	Image  cloudlet.ImageKind
	Offset int64
}

// Raw holds the chunk verbatim
type Raw struct {
	Data []byte
}

// Xdelta holds a bsdiff patch against the base chunk at the same offset
type Xdelta struct {
	Patch []byte
}

func (Zero) Kind() Kind       { return KindZero }
func (BaseDisk) Kind() Kind   { return KindBaseDisk }
func (BaseMemory) Kind() Kind { return KindBaseMemory }
func (Self) Kind() Kind       { return KindSelf }
func (Raw) Kind() Kind        { return KindRaw }
func (Xdelta) Kind() Kind     { return KindXdelta }

func (Zero) isRef()       {}
func (BaseDisk) isRef()   {}
func (BaseMemory) isRef() {}
func (Self) isRef()       {}
func (Raw) isRef()        {}
func (Xdelta) isRef()     {}

// Item is the encoding of one chunk of a modified image
type Item struct {
	Image  cloudlet.ImageKind
	Offset int64
	Length int64
	// Hash is the hash of the reconstructed chunk, whatever Ref is
	Hash chunk.Hash
	Ref  Ref
}

func (it *Item) String() string {
	return fmt.Sprintf("%s@%d+%d %s", it.Image, it.Offset, it.Length, it.Ref.Kind())
}

// List is an ordered list of items, typically one blob's worth
type List []*Item
