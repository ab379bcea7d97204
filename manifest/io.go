package manifest

import (
	"bytes"
	"io"

	"github.com/golang/protobuf/proto"
	"github.com/itchio/cloudlet"
	"github.com/itchio/cloudlet/wire"
	"github.com/pkg/errors"
)

// Magic starts every serialized manifest
const Magic = int32(0x0C10D1E8)

// ManifestHeader is the first message of a serialized manifest
type ManifestHeader struct {
	BaseFingerprint string `protobuf:"bytes,1,opt,name=base_fingerprint,json=baseFingerprint,proto3" json:"base_fingerprint,omitempty"`
	ChunkSize       int64  `protobuf:"varint,2,opt,name=chunk_size,json=chunkSize,proto3" json:"chunk_size,omitempty"`
	DiskSize        int64  `protobuf:"varint,3,opt,name=disk_size,json=diskSize,proto3" json:"disk_size,omitempty"`
	MemorySize      int64  `protobuf:"varint,4,opt,name=memory_size,json=memorySize,proto3" json:"memory_size,omitempty"`
	Compression     string `protobuf:"bytes,5,opt,name=compression,proto3" json:"compression,omitempty"`
	NumBlobs        int64  `protobuf:"varint,6,opt,name=num_blobs,json=numBlobs,proto3" json:"num_blobs,omitempty"`
}

func (m *ManifestHeader) Reset()         { *m = ManifestHeader{} }
func (m *ManifestHeader) String() string { return proto.CompactTextString(m) }
func (*ManifestHeader) ProtoMessage()    {}

// ManifestBlob is one blob descriptor
type ManifestBlob struct {
	Name         string  `protobuf:"bytes,1,opt,name=name,proto3" json:"name,omitempty"`
	Size         int64   `protobuf:"varint,2,opt,name=size,proto3" json:"size,omitempty"`
	DiskChunks   []int64 `protobuf:"varint,3,rep,packed,name=disk_chunks,json=diskChunks,proto3" json:"disk_chunks,omitempty"`
	MemoryChunks []int64 `protobuf:"varint,4,rep,packed,name=memory_chunks,json=memoryChunks,proto3" json:"memory_chunks,omitempty"`
}

func (m *ManifestBlob) Reset()         { *m = ManifestBlob{} }
func (m *ManifestBlob) String() string { return proto.CompactTextString(m) }
func (*ManifestBlob) ProtoMessage()    {}

// Write serializes the manifest
func (m *Manifest) Write(w io.Writer) error {
	wc := wire.NewWriteContext(w)

	err := wc.WriteMagic(Magic)
	if err != nil {
		return err
	}

	err = wc.WriteMessage(&ManifestHeader{
		BaseFingerprint: m.BaseFingerprint,
		ChunkSize:       m.ChunkSize,
		DiskSize:        m.DiskSize,
		MemorySize:      m.MemorySize,
		Compression:     m.Compression,
		NumBlobs:        int64(len(m.Blobs)),
	})
	if err != nil {
		return err
	}

	for _, bd := range m.Blobs {
		err = wc.WriteMessage(&ManifestBlob{
			Name:         bd.Name,
			Size:         bd.Size,
			DiskChunks:   bd.DiskChunks,
			MemoryChunks: bd.MemoryChunks,
		})
		if err != nil {
			return err
		}
	}

	return nil
}

// Read parses and validates a manifest
func Read(r io.Reader) (*Manifest, error) {
	rc := wire.NewReadContext(r)

	err := rc.ExpectMagic(Magic)
	if err != nil {
		return nil, readError(err)
	}

	mh := &ManifestHeader{}
	err = rc.ReadMessage(mh)
	if err != nil {
		return nil, readError(err)
	}

	b := NewBuilder(Header{
		BaseFingerprint: mh.BaseFingerprint,
		ChunkSize:       mh.ChunkSize,
		DiskSize:        mh.DiskSize,
		MemorySize:      mh.MemorySize,
		Compression:     mh.Compression,
	})

	mb := &ManifestBlob{}
	for i := int64(0); i < mh.NumBlobs; i++ {
		err = rc.ReadMessage(mb)
		if err != nil {
			return nil, readError(err)
		}

		err = b.AddBlob(BlobDescriptor{
			Name:         mb.Name,
			Size:         mb.Size,
			DiskChunks:   mb.DiskChunks,
			MemoryChunks: mb.MemoryChunks,
		})
		if err != nil {
			return nil, err
		}
	}

	return b.Seal()
}

func readError(err error) error {
	switch {
	case err == io.EOF || err == io.ErrUnexpectedEOF:
		return errors.Wrap(cloudlet.ErrTruncatedStream, "reading manifest")
	case errors.Is(err, wire.ErrInvalidMagic):
		return errors.Wrap(cloudlet.ErrIncompatibleFormat, err.Error())
	default:
		return errors.WithStack(err)
	}
}

// Marshal returns the serialized manifest, as sent in SEND_META
func (m *Manifest) Marshal() ([]byte, error) {
	buf := new(bytes.Buffer)
	err := m.Write(buf)
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Unmarshal parses what Marshal returned
func Unmarshal(data []byte) (*Manifest, error) {
	return Read(bytes.NewReader(data))
}
