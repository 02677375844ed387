package types

import (
	"encoding/binary"
	"fmt"
)

// MsgType is the peer wire protocol's message type, sent as a 16-bit
// big-endian value.
type MsgType uint16

const (
	MsgClose MsgType = 1 + iota
	MsgStopLockspace
	MsgLockspaceStopped
	MsgJoinLockspace
	MsgLeaveLockspace
)

func (t MsgType) String() string {
	switch t {
	case MsgClose:
		return "CLOSE"
	case MsgStopLockspace:
		return "STOP_LOCKSPACE"
	case MsgLockspaceStopped:
		return "LOCKSPACE_STOPPED"
	case MsgJoinLockspace:
		return "JOIN_LOCKSPACE"
	case MsgLeaveLockspace:
		return "LEAVE_LOCKSPACE"
	default:
		return fmt.Sprintf("MSG_UNKNOWN(%d)", uint16(t))
	}
}

// LockspaceNameLen is the kernel's fixed lockspace name field width, as
// used by struct proto_msg's lockspace_name[DLM_LOCKSPACE_LEN] in
// original_source/fakedlm.c.
const LockspaceNameLen = 64

// MessageLen is the fixed record size of every peer wire message: a
// 2-byte type followed by the padded lockspace name field.
const MessageLen = 2 + LockspaceNameLen

// Message is one peer wire protocol record. Lockspace is empty for
// MsgClose.
type Message struct {
	Type      MsgType
	Lockspace string
}

// Encode renders m as a MessageLen-byte frame: big-endian type followed
// by the NUL-padded lockspace name.
func (m Message) Encode() ([]byte, error) {
	if len(m.Lockspace) > LockspaceNameLen {
		return nil, fmt.Errorf("lockspace name %q exceeds %d bytes", m.Lockspace, LockspaceNameLen)
	}
	buf := make([]byte, MessageLen)
	binary.BigEndian.PutUint16(buf[0:2], uint16(m.Type))
	copy(buf[2:], m.Lockspace)
	return buf, nil
}

// DecodeMessage parses a MessageLen-byte frame back into a Message. It
// is the inverse of Encode: encode-then-decode is the identity on
// (Type, Lockspace).
func DecodeMessage(buf []byte) (Message, error) {
	if len(buf) != MessageLen {
		return Message{}, fmt.Errorf("invalid frame length %d, want %d", len(buf), MessageLen)
	}
	typ := MsgType(binary.BigEndian.Uint16(buf[0:2]))
	nameBytes := buf[2:]
	end := len(nameBytes)
	for i, b := range nameBytes {
		if b == 0 {
			end = i
			break
		}
	}
	return Message{Type: typ, Lockspace: string(nameBytes[:end])}, nil
}
