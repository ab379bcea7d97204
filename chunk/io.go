package chunk

import (
	"io"

	"github.com/golang/protobuf/proto"
	"github.com/itchio/cloudlet"
	"github.com/itchio/cloudlet/wire"
	"github.com/pkg/errors"
)

// HashesMagic starts every persisted hash list
const HashesMagic = int32(0x0C1A5400)

// HashesHeader describes a persisted hash list
type HashesHeader struct {
	ImageSize int64 `protobuf:"varint,1,opt,name=image_size,json=imageSize,proto3" json:"image_size,omitempty"`
	ChunkSize int64 `protobuf:"varint,2,opt,name=chunk_size,json=chunkSize,proto3" json:"chunk_size,omitempty"`
	Stride    int64 `protobuf:"varint,3,opt,name=stride,proto3" json:"stride,omitempty"`
	Count     int64 `protobuf:"varint,4,opt,name=count,proto3" json:"count,omitempty"`
}

func (m *HashesHeader) Reset()         { *m = HashesHeader{} }
func (m *HashesHeader) String() string { return proto.CompactTextString(m) }
func (*HashesHeader) ProtoMessage()    {}

// HashEntry is a single persisted chunk hash
type HashEntry struct {
	Offset int64  `protobuf:"varint,1,opt,name=offset,proto3" json:"offset,omitempty"`
	Length int64  `protobuf:"varint,2,opt,name=length,proto3" json:"length,omitempty"`
	Hash   []byte `protobuf:"bytes,3,opt,name=hash,proto3" json:"hash,omitempty"`
}

func (m *HashEntry) Reset()         { *m = HashEntry{} }
func (m *HashEntry) String() string { return proto.CompactTextString(m) }
func (*HashEntry) ProtoMessage()    {}

// WriteHashes persists a hash list. header.Count is filled in.
func WriteHashes(w io.Writer, header *HashesHeader, hashes []ChunkHash) error {
	wc := wire.NewWriteContext(w)

	err := wc.WriteMagic(HashesMagic)
	if err != nil {
		return err
	}

	header.Count = int64(len(hashes))
	err = wc.WriteMessage(header)
	if err != nil {
		return err
	}

	entry := &HashEntry{}
	for _, ch := range hashes {
		entry.Offset = ch.Offset
		entry.Length = ch.Length
		entry.Hash = ch.Hash[:]
		err = wc.WriteMessage(entry)
		if err != nil {
			return err
		}
	}

	return nil
}

// ReadHashes reads back what WriteHashes wrote
func ReadHashes(r io.Reader) (*HashesHeader, []ChunkHash, error) {
	rc := wire.NewReadContext(r)

	err := rc.ExpectMagic(HashesMagic)
	if err != nil {
		if errors.Is(err, wire.ErrInvalidMagic) {
			return nil, nil, errors.Wrap(cloudlet.ErrIncompatibleFormat, err.Error())
		}
		return nil, nil, errors.WithStack(err)
	}

	header := &HashesHeader{}
	err = rc.ReadMessage(header)
	if err != nil {
		return nil, nil, errors.WithStack(err)
	}

	hashes := make([]ChunkHash, 0, header.Count)
	entry := &HashEntry{}
	for i := int64(0); i < header.Count; i++ {
		err = rc.ReadMessage(entry)
		if err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return nil, nil, errors.Wrapf(cloudlet.ErrTruncatedStream, "hash list ended after %d of %d entries", i, header.Count)
			}
			return nil, nil, errors.WithStack(err)
		}

		h, ok := HashFromBytes(entry.Hash)
		if !ok {
			return nil, nil, errors.Wrapf(cloudlet.ErrIncompatibleFormat, "hash entry %d has %d bytes", i, len(entry.Hash))
		}

		hashes = append(hashes, ChunkHash{
			Offset: entry.Offset,
			Length: entry.Length,
			Hash:   h,
		})
	}

	return header, hashes, nil
}
