package codec

import (
	"encoding/json"

	"github.com/nvr-ai/go-detbus/detection"
	"github.com/pkg/errors"
)

// JSONName is the configuration name of the JSON codec.
const JSONName = "json"

// JSON is the default wire format: a JSON array of
// {"label","conf","x","y","w","h"} objects.
type JSON struct{}

// Name implements Codec.
func (JSON) Name() string {
	return JSONName
}

// Encode implements Codec.
func (JSON) Encode(batch detection.Batch) ([]byte, error) {
	data, err := json.Marshal(toWire(batch))
	if err != nil {
		return nil, errors.Wrap(err, "json encode")
	}
	return data, nil
}

// Decode implements Codec.
func (c JSON) Decode(data []byte) (detection.Batch, error) {
	var fields *[]wireFields
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, &MalformedMessageError{Codec: c.Name(), Err: err}
	}
	if fields == nil {
		return nil, &MalformedMessageError{Codec: c.Name(), Err: errors.New("message is null")}
	}
	return fromWire(*fields)
}
