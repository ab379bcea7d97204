package wire

import (
	"fmt"
	"io"
	"reflect"

	"github.com/golang/protobuf/proto"
	"github.com/pkg/errors"
)

// ReadContext reads what a WriteContext wrote
type ReadContext struct {
	reader io.Reader

	lenBuf [4]byte
	msgBuf []byte
}

func NewReadContext(reader io.Reader) *ReadContext {
	return &ReadContext{reader: reader, msgBuf: make([]byte, 32)}
}

func (r *ReadContext) Reader() io.Reader {
	return r.reader
}

// ExpectMagic returns an error wrapping ErrInvalidMagic if the next
// four bytes aren't magic
func (r *ReadContext) ExpectMagic(magic int32) error {
	_, err := io.ReadFull(r.reader, r.lenBuf[:])
	if err != nil {
		return err
	}

	readMagic := int32(ENDIANNESS.Uint32(r.lenBuf[:]))
	if magic != readMagic {
		return errors.Wrapf(ErrInvalidMagic, "expected magic %x, but read %x", magic, readMagic)
	}

	return nil
}

// ReadMessage returns io.EOF untouched when the stream ends cleanly
// between two messages, and io.ErrUnexpectedEOF when it ends inside one.
func (r *ReadContext) ReadMessage(msg proto.Message) error {
	_, err := io.ReadFull(r.reader, r.lenBuf[:])
	if err != nil {
		return err
	}

	length := ENDIANNESS.Uint32(r.lenBuf[:])
	if length > MaxFrameSize {
		return errors.Wrapf(ErrFrameTooLarge, "peer announced %d bytes", length)
	}

	if cap(r.msgBuf) < int(length) {
		r.msgBuf = make([]byte, length)
	}

	_, err = io.ReadFull(r.reader, r.msgBuf[:length])
	if err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return err
	}

	msg.Reset()
	err = proto.Unmarshal(r.msgBuf[:length], msg)
	if err != nil {
		return errors.WithStack(err)
	}

	if DEBUG_WIRE {
		fmt.Printf(">> %s %+v\n", reflect.TypeOf(msg).Elem().Name(), msg)
	}

	return nil
}
