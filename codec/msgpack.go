package codec

import (
	"github.com/nvr-ai/go-detbus/detection"
	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"
)

// MsgpackName is the configuration name of the MessagePack codec.
const MsgpackName = "msgpack"

// Msgpack encodes batches as a MessagePack array of maps keyed like the JSON
// wire format.
type Msgpack struct{}

// Name implements Codec.
func (Msgpack) Name() string {
	return MsgpackName
}

// Encode implements Codec.
func (Msgpack) Encode(batch detection.Batch) ([]byte, error) {
	data, err := msgpack.Marshal(toWire(batch))
	if err != nil {
		return nil, errors.Wrap(err, "msgpack encode")
	}
	return data, nil
}

// Decode implements Codec.
func (c Msgpack) Decode(data []byte) (detection.Batch, error) {
	if len(data) == 0 {
		return nil, &MalformedMessageError{Codec: c.Name(), Err: errors.New("empty message")}
	}
	var fields *[]wireFields
	if err := msgpack.Unmarshal(data, &fields); err != nil {
		return nil, &MalformedMessageError{Codec: c.Name(), Err: err}
	}
	if fields == nil {
		return nil, &MalformedMessageError{Codec: c.Name(), Err: errors.New("message is nil")}
	}
	return fromWire(*fields)
}
