package compression

import (
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"
)

type zstdCompressor struct{}

func (zc *zstdCompressor) Apply(writer io.Writer, quality int32) (io.WriteCloser, error) {
	zw, err := zstd.NewWriter(writer,
		zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(int(quality))),
		zstd.WithEncoderConcurrency(1),
	)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return zw, nil
}

type zstdDecompressor struct{}

func (zd *zstdDecompressor) Apply(reader io.Reader) (io.ReadCloser, error) {
	zr, err := zstd.NewReader(reader, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return zr.IOReadCloser(), nil
}

func init() {
	RegisterCompressor(Zstd, &zstdCompressor{})
	RegisterDecompressor(Zstd, &zstdDecompressor{})
}
