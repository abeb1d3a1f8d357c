// Package wire encodes and decodes msgpack-RPC messages.
package wire

import "fmt"

// MessageType is the leading tag of every msgpack-RPC array.
type MessageType int

const (
	TypeRequest      MessageType = 0
	TypeResponse     MessageType = 1
	TypeNotification MessageType = 2
)

func (t MessageType) String() string {
	switch t {
	case TypeRequest:
		return "request"
	case TypeResponse:
		return "response"
	case TypeNotification:
		return "notification"
	default:
		return fmt.Sprintf("type(%d)", int(t))
	}
}

// Message is one of *Request, *Response or *Notification.
type Message interface {
	Type() MessageType
}

// Request is [0, id, method, args].
type Request struct {
	ID     uint64
	Method string
	Args   []any
}

// Response is [1, id, error, result].
type Response struct {
	ID     uint64
	Error  any
	Result any
}

// Notification is [2, method, args].
type Notification struct {
	Method string
	Args   []any
}

func (*Request) Type() MessageType      { return TypeRequest }
func (*Response) Type() MessageType     { return TypeResponse }
func (*Notification) Type() MessageType { return TypeNotification }

// RawExtension holds an extension value whose type code is not known to the
// decoder, or whose payload could not be read as an integer handle.
type RawExtension struct {
	Kind int
	Data []byte
}
