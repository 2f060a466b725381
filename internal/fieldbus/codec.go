package fieldbus

import (
	"errors"
	"fmt"
	"reflect"

	"github.com/vmihailenco/msgpack/v5"
)

var (
	ErrUnknownType = errors.New("fieldbus: unknown data type")
	ErrBadPriority = errors.New("fieldbus: priority out of range")
)

// Frame is one transfer on the wire. Body holds the msgpack encoded message.
type Frame struct {
	Kind     DataTypeID         `msgpack:"k"`
	Source   string             `msgpack:"s"`
	Priority uint8              `msgpack:"p"`
	Transfer uint64             `msgpack:"t"`
	Body     msgpack.RawMessage `msgpack:"b"`
}

// Encode packs m into a frame payload.
func Encode(f Frame, m Message) ([]byte, error) {
	body, err := msgpack.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode %s body: %w", m.DataTypeID(), err)
	}
	f.Kind = m.DataTypeID()
	f.Body = body
	return msgpack.Marshal(&f)
}

// Decode unpacks a frame payload. Messages are returned by value.
func Decode(payload []byte) (Frame, Message, error) {
	var f Frame
	if err := msgpack.Unmarshal(payload, &f); err != nil {
		return Frame{}, nil, fmt.Errorf("decode frame: %w", err)
	}
	newMsg, ok := factories[f.Kind]
	if !ok {
		return f, nil, fmt.Errorf("%w: %d", ErrUnknownType, f.Kind)
	}
	ptr := newMsg()
	if err := msgpack.Unmarshal(f.Body, ptr); err != nil {
		return f, nil, fmt.Errorf("decode %s body: %w", f.Kind, err)
	}
	return f, reflect.ValueOf(ptr).Elem().Interface().(Message), nil
}
