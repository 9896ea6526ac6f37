package messages

import (
	"github.com/ugorji/go/codec"
)

var msgpackHandle = newMsgpackHandle()

func newMsgpackHandle() *codec.MsgpackHandle {
	h := &codec.MsgpackHandle{}
	// Use the bin family for []byte so that byte fields do not come back as
	// strings on the other side.
	h.WriteExt = true
	return h
}

// Message is implemented by every body of the wire union.
type Message interface {
	MessageType() MessageType
}

func Encode(v interface{}) ([]byte, error) {
	var b []byte
	if err := codec.NewEncoderBytes(&b, msgpackHandle).Encode(v); err != nil {
		return nil, err
	}
	return b, nil
}

func Decode(b []byte, v interface{}) error {
	return codec.NewDecoderBytes(b, msgpackHandle).Decode(v)
}
