package delta

import (
	"github.com/itchio/cloudlet"
	"github.com/itchio/cloudlet/bsdiff"
	"github.com/itchio/cloudlet/chunk"
	"github.com/pkg/errors"
)

type selfKey struct {
	image  cloudlet.ImageKind
	offset int64
}

// An Applier reconstructs chunks from items. SELF items can only point
// at data items applied since the last Reset, which is how overlays are
// laid out: a SELF reference travels in the same blob as its target.
type Applier struct {
	refs References
	self map[selfKey][]byte
}

// NewApplier returns an applier reading base content from refs
func NewApplier(refs References) *Applier {
	return &Applier{
		refs: refs,
		self: make(map[selfKey][]byte),
	}
}

// Reset forgets applied data chunks, typically at the end of a blob
func (a *Applier) Reset() {
	a.self = make(map[selfKey][]byte)
}

// Apply returns the content of the chunk described by item, after checking
// that it hashes to item.Hash.
func (a *Applier) Apply(item *Item) ([]byte, error) {
	data, err := a.reconstruct(item)
	if err != nil {
		return nil, err
	}

	if int64(len(data)) != item.Length {
		return nil, errors.Wrapf(cloudlet.ErrHashMismatch, "%s: reconstructed %d bytes", item, len(data))
	}
	if chunk.Sum(data) != item.Hash {
		return nil, errors.Wrapf(cloudlet.ErrHashMismatch, "%s", item)
	}

	switch item.Ref.(type) {
	case Raw, Xdelta:
		a.self[selfKey{item.Image, item.Offset}] = data
	}
	return data, nil
}

func (a *Applier) reconstruct(item *Item) ([]byte, error) {
	switch ref := item.Ref.(type) {
	case Zero:
		return make([]byte, item.Length), nil
	case BaseDisk:
		return a.readReference(item, cloudlet.ImageDisk, ref.Offset)
	case BaseMemory:
		return a.readReference(item, cloudlet.ImageMemory, ref.Offset)
	case Self:
		data, ok := a.self[selfKey{ref.Image, ref.Offset}]
		if !ok {
			return nil, errors.Wrapf(cloudlet.ErrManifestCorruption, "%s: self target %s@%d wasn't applied before", item, ref.Image, ref.Offset)
		}
		return append([]byte{}, data...), nil
	case Raw:
		return ref.Data, nil
	case Xdelta:
		old, err := a.readReference(item, item.Image, item.Offset)
		if err != nil {
			return nil, err
		}
		data, err := bsdiff.Patch(old, ref.Patch, item.Length)
		if err != nil {
			if errors.Is(err, bsdiff.ErrCorrupt) {
				return nil, errors.Wrapf(cloudlet.ErrHashMismatch, "%s: %v", item, err)
			}
			return nil, errors.Wrapf(err, "patching %s", item)
		}
		return data, nil
	default:
		return nil, errors.Wrapf(cloudlet.ErrIncompatibleFormat, "%s: unknown reference %T", item, item.Ref)
	}
}

func (a *Applier) readReference(item *Item, image cloudlet.ImageKind, offset int64) ([]byte, error) {
	if a.refs == nil {
		return nil, errors.Errorf("%s: no base available", item)
	}
	data, err := a.refs.ReadReference(image, offset, item.Length)
	if err != nil {
		return nil, errors.Wrapf(err, "%s: reading base %s at %d", item, image, offset)
	}
	return data, nil
}
