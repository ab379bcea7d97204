package delta

import (
	"encoding/binary"
	"io"

	"github.com/itchio/cloudlet"
	"github.com/itchio/cloudlet/chunk"
	"github.com/pkg/errors"
)

const (
	// BlobMagic starts every overlay blob
	BlobMagic = uint32(0x0C10D1E7)
	// BlobVersion is the only format version we read and write
	BlobVersion = uint16(1)

	headerSize = 4 + 2
	// offset, length, image, kind, hash
	recordSize = 8 + 4 + 1 + 1 + chunk.HashSize

	// MaxPayloadSize bounds RAW and XDELTA payloads, so a corrupted length
	// can't make us allocate wildly
	MaxPayloadSize = 64 * 1024 * 1024

	// set on SELF offsets that point into the memory image
	selfMemoryFlag = uint64(1) << 63
)

var endianness = binary.LittleEndian

// An Encoder writes items as an overlay blob
type Encoder struct {
	w   io.Writer
	buf []byte
}

// NewEncoder writes the blob header right away
func NewEncoder(w io.Writer) (*Encoder, error) {
	var header [headerSize]byte
	endianness.PutUint32(header[0:4], BlobMagic)
	endianness.PutUint16(header[4:6], BlobVersion)
	_, err := w.Write(header[:])
	if err != nil {
		return nil, errors.WithStack(err)
	}

	return &Encoder{
		w:   w,
		buf: make([]byte, recordSize+8),
	}, nil
}

// Encode writes a single record
func (e *Encoder) Encode(item *Item) error {
	if !item.Image.Valid() {
		return errors.Errorf("encoding %s: invalid image kind", item)
	}
	if item.Offset < 0 || item.Length < 0 || item.Length > MaxPayloadSize {
		return errors.Errorf("encoding %s: invalid range", item)
	}

	buf := e.buf[:recordSize]
	endianness.PutUint64(buf[0:8], uint64(item.Offset))
	endianness.PutUint32(buf[8:12], uint32(item.Length))
	buf[12] = uint8(item.Image)
	buf[13] = uint8(item.Ref.Kind())
	copy(buf[14:14+chunk.HashSize], item.Hash[:])

	var payload []byte
	switch ref := item.Ref.(type) {
	case Zero:
		// no payload
	case BaseDisk:
		buf = appendUint64(buf, uint64(ref.Offset))
	case BaseMemory:
		buf = appendUint64(buf, uint64(ref.Offset))
	case Self:
		target := uint64(ref.Offset)
		if target&selfMemoryFlag != 0 {
			return errors.Errorf("encoding %s: self offset too large", item)
		}
		if ref.Image == cloudlet.ImageMemory {
			target |= selfMemoryFlag
		}
		buf = appendUint64(buf, target)
	case Raw:
		if int64(len(ref.Data)) != item.Length {
			return errors.Errorf("encoding %s: raw payload is %d bytes", item, len(ref.Data))
		}
		payload = ref.Data
	case Xdelta:
		if len(ref.Patch) > MaxPayloadSize {
			return errors.Errorf("encoding %s: patch too large", item)
		}
		var lenBuf [4]byte
		endianness.PutUint32(lenBuf[:], uint32(len(ref.Patch)))
		buf = append(buf, lenBuf[:]...)
		payload = ref.Patch
	default:
		return errors.Errorf("encoding %s: unknown reference %T", item, item.Ref)
	}

	_, err := e.w.Write(buf)
	if err != nil {
		return errors.WithStack(err)
	}
	if len(payload) > 0 {
		_, err = e.w.Write(payload)
		if err != nil {
			return errors.WithStack(err)
		}
	}
	return nil
}

func appendUint64(buf []byte, v uint64) []byte {
	var b [8]byte
	endianness.PutUint64(b[:], v)
	return append(buf, b[:]...)
}

// Encode writes a whole blob
func Encode(w io.Writer, list List) error {
	e, err := NewEncoder(w)
	if err != nil {
		return err
	}

	for _, item := range list {
		err = e.Encode(item)
		if err != nil {
			return err
		}
	}
	return nil
}

// A Decoder reads items back from an overlay blob. It never verifies hashes.
type Decoder struct {
	r   io.Reader
	buf [recordSize + 8]byte
}

// NewDecoder reads and checks the blob header
func NewDecoder(r io.Reader) (*Decoder, error) {
	var header [headerSize]byte
	_, err := io.ReadFull(r, header[:])
	if err != nil {
		return nil, truncated(err, "blob header")
	}

	magic := endianness.Uint32(header[0:4])
	if magic != BlobMagic {
		return nil, errors.Wrapf(cloudlet.ErrIncompatibleFormat, "blob magic %x", magic)
	}
	version := endianness.Uint16(header[4:6])
	if version != BlobVersion {
		return nil, errors.Wrapf(cloudlet.ErrIncompatibleFormat, "blob version %d", version)
	}

	return &Decoder{r: r}, nil
}

// Next returns io.EOF when the blob ends cleanly after a record
func (d *Decoder) Next() (*Item, error) {
	buf := d.buf[:recordSize]

	n, err := io.ReadFull(d.r, buf)
	if err != nil {
		if err == io.EOF && n == 0 {
			return nil, io.EOF
		}
		return nil, truncated(err, "record")
	}

	item := &Item{
		Offset: int64(endianness.Uint64(buf[0:8])),
		Length: int64(endianness.Uint32(buf[8:12])),
		Image:  cloudlet.ImageKind(buf[12]),
	}
	kind := Kind(buf[13])
	copy(item.Hash[:], buf[14:14+chunk.HashSize])

	if !item.Image.Valid() {
		return nil, errors.Wrapf(cloudlet.ErrIncompatibleFormat, "record image kind %d", buf[12])
	}
	if item.Offset < 0 {
		return nil, errors.Wrapf(cloudlet.ErrIncompatibleFormat, "record offset %d", item.Offset)
	}

	switch kind {
	case KindZero:
		item.Ref = Zero{}
	case KindBaseDisk:
		v, err := d.readUint64()
		if err != nil {
			return nil, err
		}
		item.Ref = BaseDisk{Offset: int64(v)}
	case KindBaseMemory:
		v, err := d.readUint64()
		if err != nil {
			return nil, err
		}
		item.Ref = BaseMemory{Offset: int64(v)}
	case KindSelf:
		v, err := d.readUint64()
		if err != nil {
			return nil, err
		}
		self := Self{Image: cloudlet.ImageDisk}
		if v&selfMemoryFlag != 0 {
			self.Image = cloudlet.ImageMemory
		}
		self.Offset = int64(v &^ selfMemoryFlag)
		item.Ref = self
	case KindRaw:
		if item.Length > MaxPayloadSize {
			return nil, errors.Wrapf(cloudlet.ErrIncompatibleFormat, "raw payload of %d bytes", item.Length)
		}
		data, err := d.readPayload(item.Length)
		if err != nil {
			return nil, err
		}
		item.Ref = Raw{Data: data}
	case KindXdelta:
		lenBuf := d.buf[:4]
		_, err := io.ReadFull(d.r, lenBuf)
		if err != nil {
			return nil, truncated(err, "patch length")
		}
		patchLen := int64(endianness.Uint32(lenBuf))
		if patchLen > MaxPayloadSize {
			return nil, errors.Wrapf(cloudlet.ErrIncompatibleFormat, "patch of %d bytes", patchLen)
		}
		patch, err := d.readPayload(patchLen)
		if err != nil {
			return nil, err
		}
		item.Ref = Xdelta{Patch: patch}
	default:
		return nil, errors.Wrapf(cloudlet.ErrIncompatibleFormat, "record kind %d", kind)
	}

	return item, nil
}

func (d *Decoder) readUint64() (uint64, error) {
	b := d.buf[:8]
	_, err := io.ReadFull(d.r, b)
	if err != nil {
		return 0, truncated(err, "back-reference")
	}
	return endianness.Uint64(b), nil
}

func (d *Decoder) readPayload(length int64) ([]byte, error) {
	payload := make([]byte, length)
	_, err := io.ReadFull(d.r, payload)
	if err != nil {
		return nil, truncated(err, "payload")
	}
	return payload, nil
}

// Decode reads a whole blob
func Decode(r io.Reader) (List, error) {
	d, err := NewDecoder(r)
	if err != nil {
		return nil, err
	}

	var list List
	for {
		item, err := d.Next()
		if err != nil {
			if err == io.EOF {
				return list, nil
			}
			return nil, err
		}
		list = append(list, item)
	}
}

func truncated(err error, what string) error {
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return errors.Wrapf(cloudlet.ErrTruncatedStream, "reading %s", what)
	}
	return errors.WithStack(err)
}
