package wire

import (
	"github.com/golang/protobuf/proto"
)

// Command identifies a synthesis protocol message
type Command int32

const (
	Command_SESSION_CREATE Command = 1
	Command_SESSION_ID     Command = 2
	Command_FAILED         Command = 3
	Command_SEND_META      Command = 4
	Command_SUCCESS        Command = 5
	Command_ON_DEMAND      Command = 6
	Command_SEND_OVERLAY   Command = 7
	Command_SYNTHESIS_DONE Command = 8
	Command_SESSION_CLOSE  Command = 9
)

var commandNames = map[Command]string{
	Command_SESSION_CREATE: "SESSION_CREATE",
	Command_SESSION_ID:     "SESSION_ID",
	Command_FAILED:         "FAILED",
	Command_SEND_META:      "SEND_META",
	Command_SUCCESS:        "SUCCESS",
	Command_ON_DEMAND:      "ON_DEMAND",
	Command_SEND_OVERLAY:   "SEND_OVERLAY",
	Command_SYNTHESIS_DONE: "SYNTHESIS_DONE",
	Command_SESSION_CLOSE:  "SESSION_CLOSE",
}

func (c Command) String() string {
	if name, ok := commandNames[c]; ok {
		return name
	}
	return "UNKNOWN"
}

// Message is the single envelope exchanged between synthesis client and server.
// Which fields are set depends on Command.
type Message struct {
	Command   int32  `protobuf:"varint,1,opt,name=command,proto3" json:"command,omitempty"`
	SessionId string `protobuf:"bytes,2,opt,name=session_id,json=sessionId,proto3" json:"session_id,omitempty"`
	Reason    string `protobuf:"bytes,3,opt,name=reason,proto3" json:"reason,omitempty"`
	ErrorKind string `protobuf:"bytes,4,opt,name=error_kind,json=errorKind,proto3" json:"error_kind,omitempty"`
	Meta      []byte `protobuf:"bytes,5,opt,name=meta,proto3" json:"meta,omitempty"`
	BlobUri   string `protobuf:"bytes,6,opt,name=blob_uri,json=blobUri,proto3" json:"blob_uri,omitempty"`
	Size      int64  `protobuf:"varint,7,opt,name=size,proto3" json:"size,omitempty"`
	Data      []byte `protobuf:"bytes,8,opt,name=data,proto3" json:"data,omitempty"`
}

func (m *Message) Reset()         { *m = Message{} }
func (m *Message) String() string { return proto.CompactTextString(m) }
func (*Message) ProtoMessage()    {}

// GetCommand returns the message's command
func (m *Message) GetCommand() Command {
	if m == nil {
		return 0
	}
	return Command(m.Command)
}
