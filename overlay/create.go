// Package overlay creates overlays (the difference between a modified VM
// and its base) and packages them for transfer.
package overlay

import (
	"bytes"
	"fmt"
	"io"
	"path/filepath"
	"sort"

	"github.com/itchio/cloudlet"
	"github.com/itchio/cloudlet/basevm"
	"github.com/itchio/cloudlet/chunk"
	"github.com/itchio/cloudlet/compression"
	"github.com/itchio/cloudlet/counter"
	"github.com/itchio/cloudlet/delta"
	"github.com/itchio/cloudlet/manifest"
	"github.com/itchio/headway/state"
	"github.com/itchio/headway/united"
	"github.com/itchio/screw"
	"github.com/pkg/errors"
)

// MetaFile is the manifest of an overlay directory
const MetaFile = "overlay.meta"

// CreateParams describes the overlay to create
type CreateParams struct {
	Base *basevm.Base

	// DiskPath and MemoryPath are the images of the modified VM
	DiskPath   string
	MemoryPath string

	// DiskChunks and MemoryChunks, if non-nil, restrict the chunks looked at,
	// typically to those a running instance dirtied. Otherwise, every chunk
	// that differs from the base is.
	DiskChunks   []int64
	MemoryChunks []int64

	// Discards may be nil
	Discards *delta.DiscardLog

	// OutputDir receives the manifest and the blobs
	OutputDir string

	Config   *cloudlet.Config
	Consumer *state.Consumer
}

// CreateResult is what Create made
type CreateResult struct {
	Manifest *manifest.Manifest
	Stats    *delta.Stats
}

// Create resolves every changed chunk of a modified VM, splits the
// result into compressed blobs, and writes them along with a manifest.
func Create(params CreateParams) (*CreateResult, error) {
	config := params.Config
	if config == nil {
		return nil, errors.New("overlay.Create: missing config")
	}
	if params.Base == nil {
		return nil, errors.New("overlay.Create: missing base")
	}
	consumer := params.Consumer
	if consumer == nil {
		consumer = &state.Consumer{}
	}

	algo, err := compression.ParseAlgorithm(config.Compression)
	if err != nil {
		return nil, err
	}

	err = screw.MkdirAll(params.OutputDir, 0o755)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	var images []delta.Modified
	sizes := make(map[cloudlet.ImageKind]int64)
	for _, image := range cloudlet.ImageKinds {
		path := params.DiskPath
		restrict := params.DiskChunks
		if image == cloudlet.ImageMemory {
			path = params.MemoryPath
			restrict = params.MemoryChunks
		}

		f, err := screw.Open(path)
		if err != nil {
			return nil, errors.WithStack(err)
		}
		defer f.Close()

		stats, err := f.Stat()
		if err != nil {
			return nil, errors.WithStack(err)
		}
		size := stats.Size()
		if size%config.ChunkSize != 0 {
			return nil, errors.Wrapf(cloudlet.ErrMalformedImage, "%s: size %d is not a multiple of chunk size %d", path, size, config.ChunkSize)
		}
		sizes[image] = size

		var candidates []chunk.ChunkHash
		if restrict != nil {
			candidates, err = hashChunks(f, restrict, size, config.ChunkSize)
		} else {
			consumer.ProgressLabel(fmt.Sprintf("Hashing modified %s", image))
			var hashes []chunk.ChunkHash
			hashes, err = chunk.HashReader(f, size, config.ChunkSize, config.ChunkSize, consumer)
			candidates = chunk.Changed(hashes, params.Base.Hashes(image))
		}
		if err != nil {
			return nil, errors.Wrapf(err, "hashing %s", path)
		}
		consumer.Debugf("%d candidate %s chunks", len(candidates), image)

		images = append(images, delta.Modified{
			Image:  image,
			Reader: f,
			Chunks: candidates,
		})
	}

	list, stats, err := delta.Resolve(delta.ResolveParams{
		Images:     images,
		BaseDisk:   params.Base.Index(cloudlet.ImageDisk),
		BaseMemory: params.Base.Index(cloudlet.ImageMemory),
		References: params.Base,
		Discards:   params.Discards,
		Config:     config,
		Consumer:   consumer,
	})
	if err != nil {
		return nil, err
	}
	consumer.Infof("Resolved: %s", stats)

	builder := manifest.NewBuilder(manifest.Header{
		BaseFingerprint: params.Base.Fingerprint(),
		ChunkSize:       config.ChunkSize,
		DiskSize:        sizes[cloudlet.ImageDisk],
		MemorySize:      sizes[cloudlet.ImageMemory],
		Compression:     string(algo),
	})

	w := &blobWriter{
		dir:      params.OutputDir,
		algo:     algo,
		quality:  config.CompressionQuality,
		maxSize:  config.MaxBlobSize,
		builder:  builder,
		consumer: consumer,
	}
	for _, u := range units(list) {
		err = w.add(u)
		if err != nil {
			return nil, err
		}
	}
	err = w.flush()
	if err != nil {
		return nil, err
	}

	m, err := builder.Seal()
	if err != nil {
		return nil, err
	}

	err = writeManifest(filepath.Join(params.OutputDir, MetaFile), m)
	if err != nil {
		return nil, err
	}

	consumer.Infof("Overlay has %d blobs, %s total", len(m.Blobs), united.FormatBytes(m.TotalSize()))
	return &CreateResult{
		Manifest: m,
		Stats:    stats,
	}, nil
}

// a unit is never split across blobs: a data item and the SELF items
// pointing at it.
type unit []*delta.Item

func units(list delta.List) []unit {
	type key struct {
		image  cloudlet.ImageKind
		offset int64
	}

	refs := make(map[key][]*delta.Item)
	for _, item := range list {
		if self, ok := item.Ref.(delta.Self); ok {
			k := key{self.Image, self.Offset}
			refs[k] = append(refs[k], item)
		}
	}

	var res []unit
	for _, item := range list {
		if _, ok := item.Ref.(delta.Self); ok {
			continue
		}
		u := unit{item}
		u = append(u, refs[key{item.Image, item.Offset}]...)
		res = append(res, u)
	}
	return res
}

type blobWriter struct {
	dir      string
	algo     compression.Algorithm
	quality  int32
	maxSize  int64
	builder  *manifest.Builder
	consumer *state.Consumer

	index   int
	buf     bytes.Buffer
	encoder *delta.Encoder
	desc    manifest.BlobDescriptor
}

func (bw *blobWriter) add(u unit) error {
	if bw.encoder == nil {
		bw.buf.Reset()
		enc, err := delta.NewEncoder(&bw.buf)
		if err != nil {
			return err
		}
		bw.encoder = enc
		bw.desc = manifest.BlobDescriptor{
			Name: fmt.Sprintf("overlay-%04d.blob", bw.index),
		}
	}

	for _, item := range u {
		err := bw.encoder.Encode(item)
		if err != nil {
			return err
		}
		if item.Image == cloudlet.ImageMemory {
			bw.desc.MemoryChunks = append(bw.desc.MemoryChunks, item.Offset)
		} else {
			bw.desc.DiskChunks = append(bw.desc.DiskChunks, item.Offset)
		}
	}

	if int64(bw.buf.Len()) >= bw.maxSize {
		return bw.flush()
	}
	return nil
}

func (bw *blobWriter) flush() error {
	if bw.encoder == nil {
		return nil
	}

	path := filepath.Join(bw.dir, bw.desc.Name)
	f, err := screw.Create(path)
	if err != nil {
		return errors.WithStack(err)
	}
	defer f.Close()

	cw := counter.NewWriter(f)
	zw, err := compression.Compress(cw, bw.algo, bw.quality)
	if err != nil {
		return err
	}
	_, err = zw.Write(bw.buf.Bytes())
	if err != nil {
		return errors.WithStack(err)
	}
	err = zw.Close()
	if err != nil {
		return errors.WithStack(err)
	}
	err = f.Close()
	if err != nil {
		return errors.WithStack(err)
	}

	bw.desc.Size = cw.Count()
	sort.Slice(bw.desc.DiskChunks, func(i, j int) bool { return bw.desc.DiskChunks[i] < bw.desc.DiskChunks[j] })
	sort.Slice(bw.desc.MemoryChunks, func(i, j int) bool { return bw.desc.MemoryChunks[i] < bw.desc.MemoryChunks[j] })

	bw.consumer.Debugf("%s: %d chunks, %s -> %s", bw.desc.Name, bw.desc.NumChunks(),
		united.FormatBytes(int64(bw.buf.Len())), united.FormatBytes(bw.desc.Size))

	err = bw.builder.AddBlob(bw.desc)
	if err != nil {
		return err
	}

	bw.encoder = nil
	bw.index++
	return nil
}

func hashChunks(f io.ReaderAt, offsets []int64, size int64, chunkSize int64) ([]chunk.ChunkHash, error) {
	sorted := append([]int64{}, offsets...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	buf := make([]byte, chunkSize)
	var res []chunk.ChunkHash
	for i, offset := range sorted {
		if i > 0 && sorted[i-1] == offset {
			continue
		}
		if offset%chunkSize != 0 || offset < 0 || offset+chunkSize > size {
			return nil, errors.Errorf("chunk offset %d is invalid for a %d-byte image", offset, size)
		}
		n, err := f.ReadAt(buf, offset)
		if n < len(buf) {
			if err == nil || err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return nil, errors.Wrapf(err, "reading chunk at %d", offset)
		}
		res = append(res, chunk.ChunkHash{
			Offset: offset,
			Length: chunkSize,
			Hash:   chunk.Sum(buf),
		})
	}
	return res, nil
}
