package bsdiff

import "github.com/golang/protobuf/proto"

// Control is one bsdiff instruction: add Add bytes of diff to old data,
// copy Copy bytes of extra data, then move the old cursor by Seek.
// Add == -1 ends the control list.
type Control struct {
	Add  int64 `protobuf:"varint,1,opt,name=add,proto3" json:"add,omitempty"`
	Copy int64 `protobuf:"varint,2,opt,name=copy,proto3" json:"copy,omitempty"`
	Seek int64 `protobuf:"zigzag64,3,opt,name=seek,proto3" json:"seek,omitempty"`
}

func (m *Control) Reset()         { *m = Control{} }
func (m *Control) String() string { return proto.CompactTextString(m) }
func (*Control) ProtoMessage()    {}

// Blob carries the (sparse-encoded) diff bytes, then the extra bytes.
type Blob struct {
	Data []byte `protobuf:"bytes,1,opt,name=data,proto3" json:"data,omitempty"`
}

func (m *Blob) Reset()         { *m = Blob{} }
func (m *Blob) String() string { return proto.CompactTextString(m) }
func (*Blob) ProtoMessage()    {}
