package basevm

import (
	"github.com/golang/protobuf/proto"
	"github.com/itchio/cloudlet"
	"github.com/itchio/cloudlet/chunk"
	"github.com/itchio/cloudlet/wire"
	"github.com/itchio/screw"
	"github.com/pkg/errors"
	"golang.org/x/crypto/sha3"
)

// Files a base VM directory is made of
const (
	DiskFile         = "disk.img"
	MemoryFile       = "memory.snapshot"
	DiskHashesFile   = "disk.hashes"
	DiskIndexFile    = "disk.index"
	MemoryHashesFile = "memory.hashes"
	MetaFile         = "base.meta"
)

// MetaMagic starts base.meta
const MetaMagic = int32(0x0C1AB45E)

// Meta is what base.meta holds
type Meta struct {
	Fingerprint string `protobuf:"bytes,1,opt,name=fingerprint,proto3" json:"fingerprint,omitempty"`
	ChunkSize   int64  `protobuf:"varint,2,opt,name=chunk_size,json=chunkSize,proto3" json:"chunk_size,omitempty"`
	WindowSize  int64  `protobuf:"varint,3,opt,name=window_size,json=windowSize,proto3" json:"window_size,omitempty"`
	DiskSize    int64  `protobuf:"varint,4,opt,name=disk_size,json=diskSize,proto3" json:"disk_size,omitempty"`
	MemorySize  int64  `protobuf:"varint,5,opt,name=memory_size,json=memorySize,proto3" json:"memory_size,omitempty"`
	CreatedAt   int64  `protobuf:"varint,6,opt,name=created_at,json=createdAt,proto3" json:"created_at,omitempty"`
}

func (m *Meta) Reset()         { *m = Meta{} }
func (m *Meta) String() string { return proto.CompactTextString(m) }
func (*Meta) ProtoMessage()    {}

// Size returns the size of one of the base images
func (m *Meta) Size(image cloudlet.ImageKind) int64 {
	if image == cloudlet.ImageMemory {
		return m.MemorySize
	}
	return m.DiskSize
}

// Fingerprint identifies a base VM by the aligned hashes of its images
func Fingerprint(chunkSize int64, disk []chunk.ChunkHash, memory []chunk.ChunkHash) string {
	h := sha3.New256()
	var buf [8]byte

	wire.ENDIANNESS.PutUint64(buf[:], uint64(chunkSize))
	h.Write(buf[:])
	for _, hashes := range [][]chunk.ChunkHash{disk, memory} {
		wire.ENDIANNESS.PutUint64(buf[:], uint64(len(hashes)))
		h.Write(buf[:])
		for _, ch := range hashes {
			h.Write(ch.Hash[:])
		}
	}

	var sum chunk.Hash
	copy(sum[:], h.Sum(nil))
	return sum.String()
}

func writeMeta(path string, meta *Meta) error {
	f, err := screw.Create(path)
	if err != nil {
		return errors.WithStack(err)
	}
	defer f.Close()

	wc := wire.NewWriteContext(f)
	err = wc.WriteMagic(MetaMagic)
	if err != nil {
		return err
	}
	err = wc.WriteMessage(meta)
	if err != nil {
		return err
	}
	return errors.WithStack(f.Close())
}

func readMeta(path string) (*Meta, error) {
	f, err := screw.Open(path)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer f.Close()

	rc := wire.NewReadContext(f)
	err = rc.ExpectMagic(MetaMagic)
	if err != nil {
		return nil, errors.Wrapf(cloudlet.ErrIncompatibleFormat, "%s: %v", path, err)
	}

	meta := &Meta{}
	err = rc.ReadMessage(meta)
	if err != nil {
		return nil, errors.Wrapf(err, "reading %s", path)
	}
	return meta, nil
}

func writeHashes(path string, header *chunk.HashesHeader, hashes []chunk.ChunkHash) error {
	f, err := screw.Create(path)
	if err != nil {
		return errors.WithStack(err)
	}
	defer f.Close()

	err = chunk.WriteHashes(f, header, hashes)
	if err != nil {
		return errors.Wrapf(err, "writing %s", path)
	}
	return errors.WithStack(f.Close())
}

func readHashes(path string) (*chunk.HashesHeader, []chunk.ChunkHash, error) {
	f, err := screw.Open(path)
	if err != nil {
		return nil, nil, errors.WithStack(err)
	}
	defer f.Close()

	header, hashes, err := chunk.ReadHashes(f)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "reading %s", path)
	}
	return header, hashes, nil
}
