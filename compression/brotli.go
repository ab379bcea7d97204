package compression

import (
	"io"

	"github.com/itchio/go-brotli/dec"
	"github.com/itchio/go-brotli/enc"
)

type brotliCompressor struct{}

func (bc *brotliCompressor) Apply(writer io.Writer, quality int32) (io.WriteCloser, error) {
	return enc.NewBrotliWriter(writer, &enc.BrotliWriterOptions{
		Quality: int(quality),
	}), nil
}

type brotliDecompressor struct{}

func (bd *brotliDecompressor) Apply(reader io.Reader) (io.ReadCloser, error) {
	return dec.NewBrotliReader(reader), nil
}

func init() {
	RegisterCompressor(Brotli, &brotliCompressor{})
	RegisterDecompressor(Brotli, &brotliDecompressor{})
}
