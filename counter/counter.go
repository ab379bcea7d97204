// Package counter counts bytes going through readers and writers.
// Counts may be read from other goroutines while data flows.
package counter

import (
	"io"
	"sync/atomic"
)

// CountCallback receives the running total after each read or write
type CountCallback func(count int64)

type Reader struct {
	count  int64
	reader io.Reader

	onRead CountCallback
}

var _ io.Reader = (*Reader)(nil)

func NewReader(reader io.Reader) *Reader {
	return &Reader{reader: reader}
}

func NewReaderCallback(onRead CountCallback, reader io.Reader) *Reader {
	return &Reader{
		reader: reader,
		onRead: onRead,
	}
}

func (r *Reader) Count() int64 {
	return atomic.LoadInt64(&r.count)
}

func (r *Reader) Read(buffer []byte) (n int, err error) {
	n, err = r.reader.Read(buffer)

	count := atomic.AddInt64(&r.count, int64(n))
	if r.onRead != nil && n > 0 {
		r.onRead(count)
	}
	return
}

// Writer counts bytes, and discards them if it has no underlying writer
type Writer struct {
	count  int64
	writer io.Writer

	onWrite CountCallback
}

var _ io.Writer = (*Writer)(nil)

func NewWriter(writer io.Writer) *Writer {
	return &Writer{writer: writer}
}

func NewWriterCallback(onWrite CountCallback, writer io.Writer) *Writer {
	return &Writer{
		writer:  writer,
		onWrite: onWrite,
	}
}

func (w *Writer) Count() int64 {
	return atomic.LoadInt64(&w.count)
}

func (w *Writer) Write(buffer []byte) (n int, err error) {
	if w.writer == nil {
		n = len(buffer)
	} else {
		n, err = w.writer.Write(buffer)
	}

	count := atomic.AddInt64(&w.count, int64(n))
	if w.onWrite != nil {
		w.onWrite(count)
	}
	return
}
