package wire

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"sort"

	"github.com/neovim/go-client/msgpack"
	"github.com/neovim/go-client/nvim"
)

// Extension type codes Neovim uses for its handle types.
const (
	ExtBuffer  = 0
	ExtWindow  = 1
	ExtTabpage = 2
)

// Encoder writes messages to a stream. It is not safe for concurrent use;
// the rpc client owns the only Encoder of a connection.
type Encoder struct {
	bw  *bufio.Writer
	enc *msgpack.Encoder
}

func NewEncoder(w io.Writer) *Encoder {
	bw := bufio.NewWriter(w)
	return &Encoder{bw: bw, enc: msgpack.NewEncoder(bw)}
}

// Encode writes one message and flushes it to the underlying writer.
func (e *Encoder) Encode(m Message) error {
	var err error
	switch m := m.(type) {
	case *Request:
		err = e.packAll(int64(TypeRequest), m.ID, m.Method, argsOrEmpty(m.Args))
	case *Response:
		err = e.packAll(int64(TypeResponse), m.ID, m.Error, m.Result)
	case *Notification:
		err = e.packAll(int64(TypeNotification), m.Method, argsOrEmpty(m.Args))
	default:
		return fmt.Errorf("wire: cannot encode %T", m)
	}
	if err != nil {
		return err
	}
	return e.bw.Flush()
}

func argsOrEmpty(args []any) []any {
	if args == nil {
		return []any{}
	}
	return args
}

func (e *Encoder) packAll(fields ...any) error {
	if err := e.enc.PackArrayLen(int64(len(fields))); err != nil {
		return err
	}
	for _, f := range fields {
		if err := e.packValue(f); err != nil {
			return err
		}
	}
	return nil
}

func (e *Encoder) packValue(v any) error {
	switch v := v.(type) {
	case nil:
		return e.enc.PackNil()
	case bool:
		return e.enc.PackBool(v)
	case int:
		return e.enc.PackInt(int64(v))
	case int8:
		return e.enc.PackInt(int64(v))
	case int16:
		return e.enc.PackInt(int64(v))
	case int32:
		return e.enc.PackInt(int64(v))
	case int64:
		return e.enc.PackInt(v)
	case uint:
		return e.enc.PackUint(uint64(v))
	case uint8:
		return e.enc.PackUint(uint64(v))
	case uint16:
		return e.enc.PackUint(uint64(v))
	case uint32:
		return e.enc.PackUint(uint64(v))
	case uint64:
		return e.enc.PackUint(v)
	case float32:
		return e.enc.PackFloat(float64(v))
	case float64:
		return e.enc.PackFloat(v)
	case string:
		return e.enc.PackString(v)
	case []byte:
		return e.enc.PackBinary(v)
	case []string:
		if err := e.enc.PackArrayLen(int64(len(v))); err != nil {
			return err
		}
		for _, s := range v {
			if err := e.enc.PackString(s); err != nil {
				return err
			}
		}
		return nil
	case []any:
		if err := e.enc.PackArrayLen(int64(len(v))); err != nil {
			return err
		}
		for _, item := range v {
			if err := e.packValue(item); err != nil {
				return err
			}
		}
		return nil
	case map[string]any:
		if err := e.enc.PackMapLen(int64(len(v))); err != nil {
			return err
		}
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if err := e.enc.PackString(k); err != nil {
				return err
			}
			if err := e.packValue(v[k]); err != nil {
				return err
			}
		}
		return nil
	case nvim.Buffer:
		return e.packHandle(ExtBuffer, int64(v))
	case nvim.Window:
		return e.packHandle(ExtWindow, int64(v))
	case nvim.Tabpage:
		return e.packHandle(ExtTabpage, int64(v))
	case RawExtension:
		return e.enc.PackExtension(v.Kind, v.Data)
	default:
		// Structs with msgpack tags (nvim.ClientVersion and friends).
		return e.enc.Encode(v)
	}
}

func (e *Encoder) packHandle(kind int, id int64) error {
	var payload bytes.Buffer
	if err := msgpack.NewEncoder(&payload).PackInt(id); err != nil {
		return err
	}
	return e.enc.PackExtension(kind, payload.Bytes())
}

// Decoder reads messages from a stream.
type Decoder struct {
	dec *msgpack.Decoder
}

func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{dec: msgpack.NewDecoder(bufio.NewReader(r))}
}

// Decode reads the next message. I/O errors (including io.EOF) are returned
// as is. A value that is valid msgpack but not a valid message is consumed
// completely and reported as *MalformedMessageError, so the caller may keep
// reading.
func (d *Decoder) Decode() (Message, error) {
	v, err := d.next()
	if err != nil {
		return nil, err
	}

	fields, ok := v.([]any)
	if !ok {
		return nil, malformed("expected array, got %T", v)
	}
	if len(fields) == 0 {
		return nil, malformed("empty array")
	}

	tag, ok := Int(fields[0])
	if !ok {
		return nil, malformed("message type is %T, not an integer", fields[0])
	}

	switch MessageType(tag) {
	case TypeRequest:
		if len(fields) != 4 {
			return nil, malformed("request has %d elements, want 4", len(fields))
		}
		id, ok := Uint(fields[1])
		if !ok {
			return nil, malformed("request id is %v", fields[1])
		}
		method, ok := fields[2].(string)
		if !ok {
			return nil, malformed("request method is %T", fields[2])
		}
		args, ok := argsOf(fields[3])
		if !ok {
			return nil, malformed("request args is %T", fields[3])
		}
		return &Request{ID: id, Method: method, Args: args}, nil

	case TypeResponse:
		if len(fields) != 4 {
			return nil, malformed("response has %d elements, want 4", len(fields))
		}
		id, ok := Uint(fields[1])
		if !ok {
			return nil, malformed("response id is %v", fields[1])
		}
		return &Response{ID: id, Error: fields[2], Result: fields[3]}, nil

	case TypeNotification:
		if len(fields) != 3 {
			return nil, malformed("notification has %d elements, want 3", len(fields))
		}
		method, ok := fields[1].(string)
		if !ok {
			return nil, malformed("notification method is %T", fields[1])
		}
		args, ok := argsOf(fields[2])
		if !ok {
			return nil, malformed("notification args is %T", fields[2])
		}
		return &Notification{Method: method, Args: args}, nil

	default:
		return nil, malformed("unknown message type %d", tag)
	}
}

func argsOf(v any) ([]any, bool) {
	switch v := v.(type) {
	case nil:
		return []any{}, true
	case []any:
		return v, true
	default:
		return nil, false
	}
}

// next unpacks one complete value, nested containers included.
func (d *Decoder) next() (any, error) {
	if err := d.dec.Unpack(); err != nil {
		return nil, err
	}
	return d.current()
}

func (d *Decoder) current() (any, error) {
	switch d.dec.Type() {
	case msgpack.Nil:
		return nil, nil
	case msgpack.Bool:
		return d.dec.Bool(), nil
	case msgpack.Int:
		return d.dec.Int(), nil
	case msgpack.Uint:
		return d.dec.Uint(), nil
	case msgpack.Float:
		return d.dec.Float(), nil
	case msgpack.String:
		return d.dec.String(), nil
	case msgpack.Binary:
		return append([]byte(nil), d.dec.Bytes()...), nil
	case msgpack.Extension:
		return decodeExtension(d.dec.Extension(), append([]byte(nil), d.dec.Bytes()...)), nil
	case msgpack.ArrayLen:
		n := d.dec.Len()
		out := make([]any, n)
		for i := range out {
			v, err := d.next()
			if err != nil {
				return nil, err
			}
			out[i] = v
		}
		return out, nil
	case msgpack.MapLen:
		n := d.dec.Len()
		out := make(map[string]any, n)
		for i := 0; i < n; i++ {
			k, err := d.next()
			if err != nil {
				return nil, err
			}
			v, err := d.next()
			if err != nil {
				return nil, err
			}
			out[mapKey(k)] = v
		}
		return out, nil
	default:
		return nil, fmt.Errorf("wire: unexpected msgpack type %v", d.dec.Type())
	}
}

func mapKey(k any) string {
	switch k := k.(type) {
	case string:
		return k
	case []byte:
		return string(k)
	default:
		return fmt.Sprint(k)
	}
}

// decodeExtension turns Neovim handle extensions into nvim.Buffer, nvim.Window
// and nvim.Tabpage. The payload of each is a msgpack integer.
func decodeExtension(kind int, data []byte) any {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	if err := dec.Unpack(); err != nil {
		return RawExtension{Kind: kind, Data: data}
	}

	var id int64
	switch dec.Type() {
	case msgpack.Int:
		id = dec.Int()
	case msgpack.Uint:
		id = int64(dec.Uint())
	default:
		return RawExtension{Kind: kind, Data: data}
	}

	switch kind {
	case ExtBuffer:
		return nvim.Buffer(id)
	case ExtWindow:
		return nvim.Window(id)
	case ExtTabpage:
		return nvim.Tabpage(id)
	default:
		return RawExtension{Kind: kind, Data: data}
	}
}
