package compression

import (
	"io"
	"io/ioutil"
)

type nopWriteCloser struct {
	io.Writer
}

func (nwc *nopWriteCloser) Close() error {
	return nil
}

type noneCompressor struct{}

func (nc *noneCompressor) Apply(writer io.Writer, quality int32) (io.WriteCloser, error) {
	return &nopWriteCloser{writer}, nil
}

type noneDecompressor struct{}

func (nd *noneDecompressor) Apply(reader io.Reader) (io.ReadCloser, error) {
	return ioutil.NopCloser(reader), nil
}

func init() {
	RegisterCompressor(None, &noneCompressor{})
	RegisterDecompressor(None, &noneDecompressor{})
}
