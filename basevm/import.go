package basevm

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/itchio/cloudlet"
	"github.com/itchio/cloudlet/chunk"
	"github.com/itchio/cloudlet/counter"
	"github.com/itchio/headway/state"
	"github.com/itchio/headway/united"
	"github.com/itchio/screw"
	"github.com/pkg/errors"
)

// ImportParams describes a base VM to import
type ImportParams struct {
	// Dir is created if needed, and receives every file of the base
	Dir        string
	DiskPath   string
	MemoryPath string

	Config   *cloudlet.Config
	Consumer *state.Consumer
}

// Import copies a disk image and memory snapshot into a base VM directory,
// hashes them, and returns the opened base.
func Import(params ImportParams) (*Base, error) {
	config := params.Config
	if config == nil {
		return nil, errors.New("basevm.Import: missing config")
	}
	consumer := params.Consumer
	if consumer == nil {
		consumer = &state.Consumer{}
	}

	err := screw.MkdirAll(params.Dir, 0o755)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	diskPath := filepath.Join(params.Dir, DiskFile)
	memoryPath := filepath.Join(params.Dir, MemoryFile)

	diskSize, err := copyImage(params.DiskPath, diskPath, config.ChunkSize, consumer)
	if err != nil {
		return nil, err
	}
	memorySize, err := copyImage(params.MemoryPath, memoryPath, config.ChunkSize, consumer)
	if err != nil {
		return nil, err
	}

	consumer.ProgressLabel("Hashing disk")
	diskHashes, err := chunk.HashImage(diskPath, config.ChunkSize, consumer)
	if err != nil {
		return nil, err
	}

	consumer.ProgressLabel("Indexing disk")
	diskWindows, err := hashWindows(diskPath, diskSize, config, consumer)
	if err != nil {
		return nil, err
	}

	consumer.ProgressLabel("Hashing memory")
	memoryHashes, err := chunk.HashImage(memoryPath, config.ChunkSize, consumer)
	if err != nil {
		return nil, err
	}

	aligned := &chunk.HashesHeader{ChunkSize: config.ChunkSize, Stride: config.ChunkSize}

	aligned.ImageSize = diskSize
	err = writeHashes(filepath.Join(params.Dir, DiskHashesFile), aligned, diskHashes)
	if err != nil {
		return nil, err
	}

	err = writeHashes(filepath.Join(params.Dir, DiskIndexFile), &chunk.HashesHeader{
		ImageSize: diskSize,
		ChunkSize: config.ChunkSize,
		Stride:    config.WindowSize,
	}, diskWindows)
	if err != nil {
		return nil, err
	}

	aligned.ImageSize = memorySize
	err = writeHashes(filepath.Join(params.Dir, MemoryHashesFile), aligned, memoryHashes)
	if err != nil {
		return nil, err
	}

	meta := &Meta{
		Fingerprint: Fingerprint(config.ChunkSize, diskHashes, memoryHashes),
		ChunkSize:   config.ChunkSize,
		WindowSize:  config.WindowSize,
		DiskSize:    diskSize,
		MemorySize:  memorySize,
		CreatedAt:   time.Now().Unix(),
	}
	err = writeMeta(filepath.Join(params.Dir, MetaFile), meta)
	if err != nil {
		return nil, err
	}

	consumer.Infof("Imported base %s (%s disk, %s memory)", meta.Fingerprint,
		united.FormatBytes(diskSize), united.FormatBytes(memorySize))

	return Open(params.Dir, config, consumer)
}

func copyImage(src string, dst string, chunkSize int64, consumer *state.Consumer) (int64, error) {
	in, err := screw.Open(src)
	if err != nil {
		return 0, errors.WithStack(err)
	}
	defer in.Close()

	stats, err := in.Stat()
	if err != nil {
		return 0, errors.WithStack(err)
	}
	size := stats.Size()
	if size%chunkSize != 0 {
		return 0, errors.Wrapf(cloudlet.ErrMalformedImage, "%s: size %d is not a multiple of chunk size %d", src, size, chunkSize)
	}

	out, err := screw.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, errors.WithStack(err)
	}
	defer out.Close()

	consumer.ProgressLabel(fmt.Sprintf("Copying %s", filepath.Base(src)))
	cw := counter.NewWriterCallback(func(count int64) {
		if size > 0 {
			consumer.Progress(float64(count) / float64(size))
		}
	}, out)

	_, err = io.Copy(cw, in)
	if err != nil {
		return 0, errors.Wrapf(err, "copying %s", src)
	}

	return size, errors.WithStack(out.Close())
}

func hashWindows(path string, size int64, config *cloudlet.Config, consumer *state.Consumer) ([]chunk.ChunkHash, error) {
	f, err := screw.Open(path)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer f.Close()

	return chunk.HashReader(f, size, config.ChunkSize, config.WindowSize, consumer)
}
