package wire

import (
	"fmt"
	"io"
	"reflect"

	"github.com/golang/protobuf/proto"
	"github.com/pkg/errors"
)

// WriteContext writes magic numbers and length-prefixed protobuf messages
type WriteContext struct {
	writer io.Writer
	lenBuf [4]byte
}

func NewWriteContext(writer io.Writer) *WriteContext {
	return &WriteContext{writer: writer}
}

func (w *WriteContext) Writer() io.Writer {
	return w.writer
}

func (w *WriteContext) Close() error {
	if c, ok := w.writer.(io.Closer); ok {
		return c.Close()
	}

	return nil
}

func (w *WriteContext) WriteMagic(magic int32) error {
	ENDIANNESS.PutUint32(w.lenBuf[:], uint32(magic))
	_, err := w.writer.Write(w.lenBuf[:])
	return errors.WithStack(err)
}

func (w *WriteContext) WriteMessage(msg proto.Message) error {
	if DEBUG_WIRE {
		fmt.Printf("<< %s %+v\n", reflect.TypeOf(msg).Elem().Name(), msg)
	}

	buf, err := proto.Marshal(msg)
	if err != nil {
		return errors.WithStack(err)
	}

	if len(buf) > MaxFrameSize {
		return errors.WithStack(ErrFrameTooLarge)
	}

	ENDIANNESS.PutUint32(w.lenBuf[:], uint32(len(buf)))
	_, err = w.writer.Write(w.lenBuf[:])
	if err != nil {
		return errors.WithStack(err)
	}

	_, err = w.writer.Write(buf)
	if err != nil {
		return errors.WithStack(err)
	}

	return nil
}
