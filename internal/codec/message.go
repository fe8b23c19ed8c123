package codec

import (
	"errors"
	"fmt"
)

// MessageType discriminates the two message families carried on a connection.
type MessageType uint64

const (
	MessageSync      MessageType = 0
	MessageAwareness MessageType = 1
)

// SyncType discriminates the sub-messages of the sync family.
type SyncType uint64

const (
	SyncStep1  SyncType = 0
	SyncStep2  SyncType = 1
	SyncUpdate SyncType = 2
)

var (
	// ErrUnknownMessageType indicates an unsupported top-level discriminator.
	ErrUnknownMessageType = errors.New("codec: unknown message type")
	// ErrUnknownSyncType indicates an unsupported sync sub-message.
	ErrUnknownSyncType = errors.New("codec: unknown sync message type")
)

// Message is a decoded frame. Sync is only meaningful for MessageSync.
type Message struct {
	Type    MessageType
	Sync    SyncType
	Payload []byte
}

func (t MessageType) String() string {
	switch t {
	case MessageSync:
		return "sync"
	case MessageAwareness:
		return "awareness"
	default:
		return fmt.Sprintf("message(%d)", uint64(t))
	}
}

func (t SyncType) String() string {
	switch t {
	case SyncStep1:
		return "step1"
	case SyncStep2:
		return "step2"
	case SyncUpdate:
		return "update"
	default:
		return fmt.Sprintf("sync(%d)", uint64(t))
	}
}

// EncodeSyncStep1 frames a state vector.
func EncodeSyncStep1(stateVector []byte) []byte {
	return encodeSync(SyncStep1, stateVector)
}

// EncodeSyncStep2 frames the diff answering a step1.
func EncodeSyncStep2(diff []byte) []byte {
	return encodeSync(SyncStep2, diff)
}

// EncodeSyncUpdate frames a steady-state document update.
func EncodeSyncUpdate(update []byte) []byte {
	return encodeSync(SyncUpdate, update)
}

// EncodeAwareness frames an encoded awareness update.
func EncodeAwareness(update []byte) []byte {
	encoder := NewEncoder(len(update) + 6)
	encoder.WriteVarUint(uint64(MessageAwareness))
	encoder.WriteVarBytes(update)
	return encoder.Bytes()
}

func encodeSync(syncType SyncType, body []byte) []byte {
	encoder := NewEncoder(len(body) + 8)
	encoder.WriteVarUint(uint64(MessageSync))
	encoder.WriteVarUint(uint64(syncType))
	encoder.WriteVarBytes(body)
	return encoder.Bytes()
}

// DecodeMessage parses one complete frame.
func DecodeMessage(data []byte) (Message, error) {
	decoder := NewDecoder(data)
	rawType, err := decoder.ReadVarUint()
	if err != nil {
		return Message{}, err
	}
	message := Message{Type: MessageType(rawType)}
	switch message.Type {
	case MessageSync:
		rawSync, err := decoder.ReadVarUint()
		if err != nil {
			return Message{}, err
		}
		message.Sync = SyncType(rawSync)
		switch message.Sync {
		case SyncStep1, SyncStep2, SyncUpdate:
		default:
			return Message{}, fmt.Errorf("%w: %d", ErrUnknownSyncType, rawSync)
		}
	case MessageAwareness:
	default:
		return Message{}, fmt.Errorf("%w: %d", ErrUnknownMessageType, rawType)
	}
	payload, err := decoder.ReadVarBytes()
	if err != nil {
		return Message{}, err
	}
	if err := decoder.Finish(); err != nil {
		return Message{}, err
	}
	message.Payload = payload
	return message, nil
}
