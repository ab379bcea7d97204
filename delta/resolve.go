package delta

import (
	"bytes"
	"fmt"
	"io"
	"sort"

	"github.com/itchio/cloudlet"
	"github.com/itchio/cloudlet/bsdiff"
	"github.com/itchio/cloudlet/chunk"
	"github.com/itchio/headway/state"
	"github.com/itchio/headway/united"
	"github.com/pkg/errors"
)

// References gives access to base image content. Reads past the end of
// an image return an error.
type References interface {
	ReadReference(image cloudlet.ImageKind, offset int64, length int64) ([]byte, error)
}

// Modified is one image of the modified VM, along with the chunks that
// should be considered for the overlay.
type Modified struct {
	Image  cloudlet.ImageKind
	Reader io.ReaderAt
	Chunks []chunk.ChunkHash
}

// ResolveParams is everything Resolve needs
type ResolveParams struct {
	Images []Modified

	// BaseDisk and BaseMemory may be nil, which yields no matches
	BaseDisk   *chunk.Index
	BaseMemory *chunk.Index

	// References is used to diff data chunks against the base.
	// If nil, every data chunk is stored raw.
	References References

	// Discards only applies to disk chunks. May be nil.
	Discards *DiscardLog

	Config   *cloudlet.Config
	Consumer *state.Consumer
}

// Stats counts resolved items
type Stats struct {
	Dropped int
	Items   map[Kind]int
	// Payload is the number of payload bytes for RAW and XDELTA items
	Payload int64
	// DiffFailures counts chunks stored raw because diffing failed
	DiffFailures int
}

func (s *Stats) String() string {
	res := fmt.Sprintf("%d dropped", s.Dropped)
	for _, k := range Kinds {
		res += fmt.Sprintf(", %d %s", s.Items[k], k)
	}
	res += fmt.Sprintf(", %s payload", united.FormatBytes(s.Payload))
	return res
}

// Resolve picks the encoding of every candidate chunk. Tiers are tried
// in order and the first match wins: discarded chunks are dropped, then
// ZERO, BASE_DISK, BASE_MEMORY, SELF, and finally XDELTA or RAW.
//
// The returned list is sorted by image (memory first), then offset.
func Resolve(params ResolveParams) (List, *Stats, error) {
	if params.Config == nil {
		return nil, nil, errors.New("delta.Resolve: missing config")
	}
	consumer := params.Consumer
	if consumer == nil {
		consumer = &state.Consumer{}
	}

	stats := &Stats{Items: make(map[Kind]int)}
	zeroHash := chunk.ZeroHash(params.Config.ChunkSize)

	images := append([]Modified{}, params.Images...)
	sort.SliceStable(images, func(i, j int) bool {
		return images[i].Image < images[j].Image
	})

	readers := make(map[cloudlet.ImageKind]io.ReaderAt)
	var list List
	var pending List

	for _, m := range images {
		if !m.Image.Valid() {
			return nil, nil, errors.Errorf("delta.Resolve: invalid image kind %d", m.Image)
		}
		readers[m.Image] = m.Reader

		for _, ch := range m.Chunks {
			if m.Image == cloudlet.ImageDisk && params.Discards.Dropped(ch.Offset, ch.Length) {
				stats.Dropped++
				continue
			}

			item := &Item{
				Image:  m.Image,
				Offset: ch.Offset,
				Length: ch.Length,
				Hash:   ch.Hash,
			}

			if ch.Length == params.Config.ChunkSize && ch.Hash == zeroHash {
				item.Ref = Zero{}
			} else if loc, ok := params.BaseDisk.Lookup(ch.Hash); ok && loc.Length == ch.Length {
				item.Ref = BaseDisk{Offset: loc.Offset}
			} else if loc, ok := params.BaseMemory.Lookup(ch.Hash); ok && loc.Length == ch.Length {
				item.Ref = BaseMemory{Offset: loc.Offset}
			} else {
				pending = append(pending, item)
			}

			list = append(list, item)
		}
	}

	// the first of each group of equal hashes is canonical: memory before
	// disk, then lowest offset.
	sort.SliceStable(pending, func(i, j int) bool {
		a, b := pending[i], pending[j]
		if a.Hash != b.Hash {
			return lessHash(a.Hash, b.Hash)
		}
		if a.Image != b.Image {
			return a.Image < b.Image
		}
		return a.Offset < b.Offset
	})

	var canonicals List
	for i, item := range pending {
		if i > 0 {
			prev := pending[i-1]
			if prev.Hash == item.Hash && prev.Length == item.Length {
				canon := prev
				if self, ok := prev.Ref.(Self); ok {
					canon = &Item{Image: self.Image, Offset: self.Offset}
				}
				item.Ref = Self{Image: canon.Image, Offset: canon.Offset}
				continue
			}
		}
		canonicals = append(canonicals, item)
	}

	consumer.ProgressLabel(fmt.Sprintf("Encoding %d data chunks", len(canonicals)))
	dctx := &bsdiff.DiffContext{}
	for i, item := range canonicals {
		consumer.Progress(float64(i) / float64(len(canonicals)))

		data := make([]byte, item.Length)
		_, err := readFull(readers[item.Image], data, item.Offset)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "reading modified %s at %d", item.Image, item.Offset)
		}

		item.Ref = Raw{Data: data}
		if params.References == nil {
			continue
		}

		patch, err := diffChunk(dctx, params.References, item, data)
		if err != nil {
			stats.DiffFailures++
			consumer.Debugf("%s at %d: %v, storing raw", item.Image, item.Offset, err)
			continue
		}
		if patch != nil && len(patch) < len(data) {
			item.Ref = Xdelta{Patch: patch}
		}
	}
	consumer.Progress(1)

	sort.SliceStable(list, func(i, j int) bool {
		if list[i].Image != list[j].Image {
			return list[i].Image < list[j].Image
		}
		return list[i].Offset < list[j].Offset
	})

	for _, item := range list {
		stats.Items[item.Ref.Kind()]++
		switch ref := item.Ref.(type) {
		case Raw:
			stats.Payload += int64(len(ref.Data))
		case Xdelta:
			stats.Payload += int64(len(ref.Patch))
		}
	}

	return list, stats, nil
}

// diffChunk returns nil if there's no base chunk to diff against
func diffChunk(dctx *bsdiff.DiffContext, refs References, item *Item, data []byte) (patch []byte, err error) {
	old, err := refs.ReadReference(item.Image, item.Offset, item.Length)
	if err != nil {
		// past the end of the base image
		return nil, nil
	}

	defer func() {
		if r := recover(); r != nil {
			patch = nil
			err = errors.Wrapf(cloudlet.ErrDiffToolFailure, "%v", r)
		}
	}()

	patch, err = dctx.Diff(old, data)
	if err != nil {
		return nil, errors.Wrap(cloudlet.ErrDiffToolFailure, err.Error())
	}
	return patch, nil
}

func readFull(r io.ReaderAt, buf []byte, offset int64) (int, error) {
	if r == nil {
		return 0, errors.New("no reader for image")
	}
	n, err := r.ReadAt(buf, offset)
	if n == len(buf) {
		return n, nil
	}
	if err == nil || err == io.EOF {
		err = io.ErrUnexpectedEOF
	}
	return n, errors.WithStack(err)
}

func lessHash(a, b chunk.Hash) bool {
	return bytes.Compare(a[:], b[:]) < 0
}
