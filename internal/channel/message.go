package channel

import (
	"encoding/json"
	"fmt"
)

// ProtocolVersion is sent with every start message.
const ProtocolVersion = 1

// MessageType names a message on the upload channel.
type MessageType string

const (
	// client -> server
	TypeStart MessageType = "start"
	TypeChunk MessageType = "chunk"
	TypeEnd   MessageType = "end"

	// server -> client
	TypeResume   MessageType = "resume"
	TypeAck      MessageType = "ack"
	TypeProgress MessageType = "progress"
	TypeComplete MessageType = "complete"
	TypeError    MessageType = "error"
)

// Message is the envelope for every frame. Exactly one body field is set,
// matching Type.
type Message struct {
	Type     MessageType `json:"type"`
	Start    *Start      `json:"start,omitempty"`
	Chunk    *Chunk      `json:"chunk,omitempty"`
	End      *End        `json:"end,omitempty"`
	Resume   *Resume     `json:"resume,omitempty"`
	Ack      *Ack        `json:"ack,omitempty"`
	Progress *Progress   `json:"progress,omitempty"`
	Complete *Complete   `json:"complete,omitempty"`
	Error    *Error      `json:"error,omitempty"`
}

type Start struct {
	ID        string `json:"id"`
	FileName  string `json:"file_name"`
	FileSize  uint64 `json:"file_size"`
	ChunkSize uint64 `json:"chunk_size"`
	Version   int    `json:"version"`
}

type Chunk struct {
	Offset     uint64 `json:"offset"`
	Payload    []byte `json:"payload"`
	Compressed bool   `json:"compressed,omitempty"`
}

type End struct {
	ID     string `json:"id"`
	Digest string `json:"digest,omitempty"`
}

// Resume carries the authoritative offset the client must continue from.
type Resume struct {
	BytesReceived uint64 `json:"bytes_received"`
}

// Ack confirms one chunk was committed (or was already present).
type Ack struct {
	BytesReceived uint64 `json:"bytes_received"`
}

type Progress struct {
	BytesReceived uint64  `json:"bytes_received"`
	TotalSize     uint64  `json:"total_size"`
	Progress      float64 `json:"progress"`
	Speed         float64 `json:"speed"`
	ETASeconds    float64 `json:"eta"`
	ETAKnown      bool    `json:"eta_known"`
}

type Complete struct {
	Message string `json:"message,omitempty"`
}

// Error is a definitive rejection. Code holds the apperr kind name.
type Error struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

func StartMessage(s Start) Message       { return Message{Type: TypeStart, Start: &s} }
func ChunkMessage(c Chunk) Message       { return Message{Type: TypeChunk, Chunk: &c} }
func EndMessage(e End) Message           { return Message{Type: TypeEnd, End: &e} }
func ResumeMessage(n uint64) Message     { return Message{Type: TypeResume, Resume: &Resume{BytesReceived: n}} }
func AckMessage(n uint64) Message        { return Message{Type: TypeAck, Ack: &Ack{BytesReceived: n}} }
func ProgressMessage(p Progress) Message { return Message{Type: TypeProgress, Progress: &p} }

func CompleteMessage(msg string) Message {
	return Message{Type: TypeComplete, Complete: &Complete{Message: msg}}
}

func ErrorMessage(code, msg string) Message {
	return Message{Type: TypeError, Error: &Error{Message: msg, Code: code}}
}

// Validate checks that the body matching Type is present.
func (m *Message) Validate() error {
	var ok bool
	switch m.Type {
	case TypeStart:
		ok = m.Start != nil
	case TypeChunk:
		ok = m.Chunk != nil
	case TypeEnd:
		ok = m.End != nil
	case TypeResume:
		ok = m.Resume != nil
	case TypeAck:
		ok = m.Ack != nil
	case TypeProgress:
		ok = m.Progress != nil
	case TypeComplete:
		ok = true
	case TypeError:
		ok = m.Error != nil
	default:
		return fmt.Errorf("unknown message type %q", m.Type)
	}
	if !ok {
		return fmt.Errorf("message %q has no body", m.Type)
	}
	return nil
}

// SerializeMessage converts a Message to bytes for transmission.
func SerializeMessage(msg Message) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize message: %w", err)
	}
	return data, nil
}

// DeserializeMessage converts bytes back to a validated Message.
func DeserializeMessage(data []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, fmt.Errorf("failed to deserialize message: %w", err)
	}
	if err := msg.Validate(); err != nil {
		return Message{}, err
	}
	return msg, nil
}
