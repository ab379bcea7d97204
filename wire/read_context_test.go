package wire_test

import (
	"bytes"
	"fmt"
	"io"
	"math/rand"
	"testing"

	"github.com/itchio/go-brotli/dec"
	"github.com/itchio/go-brotli/enc"
	"github.com/itchio/headway/united"

	"github.com/itchio/cloudlet/wire"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

const magic int32 = 0xfad0fad

func Test_ReadContext(t *testing.T) {
	qualities := []int{
		1,
		6,
		9,
	}

	for _, quality := range qualities {
		t.Run(fmt.Sprintf("q%d", quality), func(t *testing.T) {
			buf := new(bytes.Buffer)

			bw := enc.NewBrotliWriter(buf, &enc.BrotliWriterOptions{
				Quality: quality,
			})

			w := wire.NewWriteContext(bw)
			sent := writeSampleMessages(t, w)
			must(t, w.Close())
			t.Logf("Q%d payload size: %s", quality, united.FormatBytes(int64(buf.Len())))

			r := wire.NewReadContext(dec.NewBrotliReader(bytes.NewReader(buf.Bytes())))
			must(t, r.ExpectMagic(magic))

			msg := &wire.Message{}
			for i := 0; ; i++ {
				err := r.ReadMessage(msg)
				if err == io.EOF {
					assert.EqualValues(t, len(sent), i)
					break
				}
				must(t, err)
				assert.EqualValues(t, sent[i].Command, msg.Command)
				assert.EqualValues(t, sent[i].BlobUri, msg.BlobUri)
				assert.EqualValues(t, sent[i].Data, msg.Data)
			}
		})
	}
}

func Test_ExpectMagic(t *testing.T) {
	buf := new(bytes.Buffer)
	w := wire.NewWriteContext(buf)
	must(t, w.WriteMagic(magic))

	r := wire.NewReadContext(bytes.NewReader(buf.Bytes()))
	err := r.ExpectMagic(magic + 1)
	assert.Error(t, err)
	assert.True(t, errors.Is(err, wire.ErrInvalidMagic))
}

func Test_FrameEndianness(t *testing.T) {
	buf := new(bytes.Buffer)
	w := wire.NewWriteContext(buf)
	must(t, w.WriteMessage(&wire.Message{Command: int32(wire.Command_SESSION_CREATE)}))

	// u32 big-endian length, then the payload
	raw := buf.Bytes()
	assert.EqualValues(t, []byte{0, 0, 0, byte(len(raw) - 4)}, raw[:4])
}

func Test_TruncatedMessage(t *testing.T) {
	buf := new(bytes.Buffer)
	w := wire.NewWriteContext(buf)
	must(t, w.WriteMessage(&wire.Message{
		Command: int32(wire.Command_SEND_OVERLAY),
		Data:    bytes.Repeat([]byte{0x42}, 128),
	}))

	truncated := buf.Bytes()[:buf.Len()-10]
	r := wire.NewReadContext(bytes.NewReader(truncated))
	err := r.ReadMessage(&wire.Message{})
	assert.Equal(t, io.ErrUnexpectedEOF, err)
}

func Test_FrameTooLarge(t *testing.T) {
	header := []byte{0xff, 0xff, 0xff, 0xff}
	r := wire.NewReadContext(bytes.NewReader(header))
	err := r.ReadMessage(&wire.Message{})
	assert.True(t, errors.Is(err, wire.ErrFrameTooLarge))
}

func writeSampleMessages(t *testing.T, w *wire.WriteContext) []*wire.Message {
	rng := rand.New(rand.NewSource(0xd00d627))
	must(t, w.WriteMagic(magic))

	var sent []*wire.Message
	for i := 0; i < 32; i++ {
		datalen := (16 + rng.Intn(16)) * 1024
		data := make([]byte, datalen)
		rng.Read(data)

		msg := &wire.Message{
			Command: int32(wire.Command_SEND_OVERLAY),
			BlobUri: fmt.Sprintf("blob-%04d", i),
			Size:    int64(datalen),
			Data:    data,
		}
		must(t, w.WriteMessage(msg))
		sent = append(sent, msg)
	}

	return sent
}

func must(t *testing.T, err error) {
	if err != nil {
		assert.NoError(t, err)
		t.FailNow()
	}
}
