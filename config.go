package cloudlet

import (
	"io/ioutil"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/itchio/cloudlet/wire"
)

// Config holds every tunable of the delta engine and the synthesis pipeline.
// It's passed explicitly to each component.
type Config struct {
	// ChunkSize is the unit of hashing, diffing and materialization
	ChunkSize int64 `yaml:"chunk_size"`

	// WindowSize is the stride of the sliding window used to hash base disks,
	// so that matches that aren't chunk-aligned can still be found.
	WindowSize int64 `yaml:"window_size"`

	// MaxBlobSize is the encoded size after which a new blob is started.
	// A blob travels in a single wire message, so it can't exceed MaxBlobSizeLimit.
	MaxBlobSize int64 `yaml:"max_blob_size"`

	// Compression is one of "brotli", "zstd" or "none"
	Compression        string `yaml:"compression"`
	CompressionQuality int32  `yaml:"compression_quality"`

	// QueueDepth is the capacity of each queue between pipeline stages
	QueueDepth int `yaml:"queue_depth"`

	// FetchPieceSize is how much of a blob is read at a time by the fetch stage
	FetchPieceSize int `yaml:"fetch_piece_size"`

	// BaseCacheChunks is the number of base image chunks kept in memory
	BaseCacheChunks int `yaml:"base_cache_chunks"`
}

// MaxBlobSizeLimit leaves room under wire.MaxFrameSize for the last unit
// added to a blob, compression overhead and the message's other fields.
const MaxBlobSizeLimit = wire.MaxFrameSize / 2

// DefaultConfig returns the settings cloudlets are normally built with
func DefaultConfig() *Config {
	return &Config{
		ChunkSize:          4096,
		WindowSize:         512,
		MaxBlobSize:        1024 * 1024,
		Compression:        "brotli",
		CompressionQuality: 1,
		QueueDepth:         16,
		FetchPieceSize:     64 * 1024,
		BaseCacheChunks:    4096,
	}
}

// Validate checks that the settings are usable together
func (c *Config) Validate() error {
	err := validation.ValidateStruct(c,
		validation.Field(&c.ChunkSize, validation.Required, validation.Min(int64(512))),
		validation.Field(&c.WindowSize, validation.Required, validation.Min(int64(1))),
		validation.Field(&c.MaxBlobSize, validation.Required, validation.Max(int64(MaxBlobSizeLimit))),
		validation.Field(&c.Compression, validation.Required, validation.In("brotli", "zstd", "none")),
		validation.Field(&c.QueueDepth, validation.Required, validation.Min(1)),
		validation.Field(&c.FetchPieceSize, validation.Required, validation.Min(1)),
		validation.Field(&c.BaseCacheChunks, validation.Required, validation.Min(1)),
	)
	if err != nil {
		return errors.WithStack(err)
	}

	if c.WindowSize >= c.ChunkSize {
		return errors.Errorf("window size (%d) must be smaller than chunk size (%d)", c.WindowSize, c.ChunkSize)
	}
	if c.ChunkSize%c.WindowSize != 0 {
		return errors.Errorf("window size (%d) must divide chunk size (%d)", c.WindowSize, c.ChunkSize)
	}
	if c.MaxBlobSize < c.ChunkSize {
		return errors.Errorf("max blob size (%d) must hold at least one chunk (%d)", c.MaxBlobSize, c.ChunkSize)
	}
	return nil
}

// LoadConfig reads a YAML file on top of the default settings
func LoadConfig(path string) (*Config, error) {
	c := DefaultConfig()

	data, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	err = yaml.Unmarshal(data, c)
	if err != nil {
		return nil, errors.Wrapf(err, "parsing %s", path)
	}

	err = c.Validate()
	if err != nil {
		return nil, errors.Wrapf(err, "validating %s", path)
	}
	return c, nil
}
