// Package manifest maps every chunk of an overlay to the blob that encodes it.
package manifest

import (
	"fmt"
	"sort"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/itchio/cloudlet"
	"github.com/pkg/errors"
)

// ErrNotFound is returned by Lookup for chunks no blob encodes.
// It wraps cloudlet.ErrManifestCorruption: a synthesis never asks for
// such a chunk unless the overlay is broken.
var ErrNotFound = errors.Wrap(cloudlet.ErrManifestCorruption, "chunk not in manifest")

// Header describes the overlay as a whole
type Header struct {
	// BaseFingerprint identifies the base VM the overlay applies to
	BaseFingerprint string
	ChunkSize       int64
	// DiskSize and MemorySize are the sizes of the modified images
	DiskSize    int64
	MemorySize  int64
	Compression string
}

// Validate checks that a header is usable
func (h Header) Validate() error {
	return validation.ValidateStruct(&h,
		validation.Field(&h.BaseFingerprint, validation.Required),
		validation.Field(&h.ChunkSize, validation.Required, validation.Min(int64(1))),
		validation.Field(&h.DiskSize, validation.Min(int64(0))),
		validation.Field(&h.MemorySize, validation.Min(int64(0))),
		validation.Field(&h.Compression, validation.Required),
	)
}

// ImageSize returns the size of the modified image of the given kind
func (h Header) ImageSize(image cloudlet.ImageKind) int64 {
	if image == cloudlet.ImageMemory {
		return h.MemorySize
	}
	return h.DiskSize
}

// BlobDescriptor lists the chunks a blob encodes
type BlobDescriptor struct {
	Name         string
	Size         int64
	DiskChunks   []int64
	MemoryChunks []int64
}

// Chunks returns the chunk offsets of one image
func (bd *BlobDescriptor) Chunks(image cloudlet.ImageKind) []int64 {
	if image == cloudlet.ImageMemory {
		return bd.MemoryChunks
	}
	return bd.DiskChunks
}

// NumChunks counts chunks of both images
func (bd *BlobDescriptor) NumChunks() int {
	return len(bd.DiskChunks) + len(bd.MemoryChunks)
}

type chunkKey struct {
	image  cloudlet.ImageKind
	offset int64
}

// A Manifest is sealed: it's never modified, and may be shared freely.
type Manifest struct {
	Header
	Blobs []*BlobDescriptor

	chunks map[chunkKey]string
	byName map[string]*BlobDescriptor
}

// Builder accumulates blob descriptors until Seal is called
type Builder struct {
	header Header
	blobs  []*BlobDescriptor
	sealed bool
}

// NewBuilder starts an empty manifest
func NewBuilder(header Header) *Builder {
	return &Builder{header: header}
}

// AddBlob appends a descriptor. Blobs are synthesized in the order they're added.
func (b *Builder) AddBlob(desc BlobDescriptor) error {
	if b.sealed {
		return errors.New("manifest: adding blob to sealed manifest")
	}
	d := desc
	d.DiskChunks = append([]int64{}, desc.DiskChunks...)
	d.MemoryChunks = append([]int64{}, desc.MemoryChunks...)
	b.blobs = append(b.blobs, &d)
	return nil
}

// Seal validates the manifest and returns it. A builder can only be sealed once.
func (b *Builder) Seal() (*Manifest, error) {
	if b.sealed {
		return nil, errors.New("manifest: already sealed")
	}
	b.sealed = true

	return newManifest(b.header, b.blobs)
}

func newManifest(header Header, blobs []*BlobDescriptor) (*Manifest, error) {
	err := header.Validate()
	if err != nil {
		return nil, errors.Wrap(cloudlet.ErrManifestCorruption, err.Error())
	}

	m := &Manifest{
		Header: header,
		Blobs:  blobs,
		chunks: make(map[chunkKey]string),
		byName: make(map[string]*BlobDescriptor),
	}

	for _, bd := range blobs {
		if bd.Name == "" {
			return nil, errors.Wrap(cloudlet.ErrManifestCorruption, "blob with empty name")
		}
		if _, ok := m.byName[bd.Name]; ok {
			return nil, errors.Wrapf(cloudlet.ErrManifestCorruption, "duplicate blob %s", bd.Name)
		}
		m.byName[bd.Name] = bd

		for _, image := range cloudlet.ImageKinds {
			size := header.ImageSize(image)
			for _, offset := range bd.Chunks(image) {
				if offset < 0 || offset%header.ChunkSize != 0 || offset+header.ChunkSize > size {
					return nil, errors.Wrapf(cloudlet.ErrManifestCorruption, "blob %s: invalid %s chunk offset %d", bd.Name, image, offset)
				}

				key := chunkKey{image, offset}
				if other, ok := m.chunks[key]; ok {
					return nil, errors.Wrapf(cloudlet.ErrManifestCorruption, "%s chunk %d is in both %s and %s", image, offset, other, bd.Name)
				}
				m.chunks[key] = bd.Name
			}
		}
	}

	return m, nil
}

// Lookup returns the name of the blob encoding a chunk, or an error
// wrapping ErrNotFound.
func (m *Manifest) Lookup(offset int64, image cloudlet.ImageKind) (string, error) {
	name, ok := m.chunks[chunkKey{image, offset}]
	if !ok {
		return "", errors.Wrapf(ErrNotFound, "%s chunk %d", image, offset)
	}
	return name, nil
}

// Contains returns true if a blob encodes the chunk at offset
func (m *Manifest) Contains(image cloudlet.ImageKind, offset int64) bool {
	_, ok := m.chunks[chunkKey{image, offset}]
	return ok
}

// Descriptor returns a blob's descriptor by name
func (m *Manifest) Descriptor(name string) (*BlobDescriptor, bool) {
	bd, ok := m.byName[name]
	return bd, ok
}

// BlobOrder returns blob names in synthesis order
func (m *Manifest) BlobOrder() []string {
	names := make([]string, 0, len(m.Blobs))
	for _, bd := range m.Blobs {
		names = append(names, bd.Name)
	}
	return names
}

// NumChunks counts the chunks of all blobs
func (m *Manifest) NumChunks() int {
	return len(m.chunks)
}

// TotalSize sums the size of all blobs
func (m *Manifest) TotalSize() int64 {
	var total int64
	for _, bd := range m.Blobs {
		total += bd.Size
	}
	return total
}

// CoveredChunks returns the sorted offsets of every chunk of an image that
// some blob encodes.
func (m *Manifest) CoveredChunks(image cloudlet.ImageKind) []int64 {
	var offsets []int64
	for key := range m.chunks {
		if key.image == image {
			offsets = append(offsets, key.offset)
		}
	}
	sort.Slice(offsets, func(i, j int) bool { return offsets[i] < offsets[j] })
	return offsets
}

func (m *Manifest) String() string {
	return fmt.Sprintf("manifest for %s: %d blobs, %d chunks", m.BaseFingerprint, len(m.Blobs), len(m.chunks))
}
