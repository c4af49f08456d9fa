// Package codec - Wire encoding of detection batches.
//
// Every codec carries the same logical schema: an ordered list of records
// with the fields label, conf, x, y, w and h. Confidence is rounded to two
// decimals on encode, so only pre-rounded batches survive a round trip
// unchanged.
package codec

import (
	"fmt"
	"strconv"

	"github.com/nvr-ai/go-detbus/detection"
	"github.com/pkg/errors"
)

// Codec converts batches to and from wire messages.
type Codec interface {
	// Encode serializes a batch. Record order is preserved.
	Encode(batch detection.Batch) ([]byte, error)
	// Decode parses a wire message back into a batch.
	Decode(data []byte) (detection.Batch, error)
	// Name identifies the codec in configuration and logs.
	Name() string
}

// MalformedMessageError is returned when a message does not parse as a list
// of records with correctly typed fields.
type MalformedMessageError struct {
	Codec string
	Err   error
}

func (e *MalformedMessageError) Error() string {
	return fmt.Sprintf("%s: malformed message: %v", e.Codec, e.Err)
}

func (e *MalformedMessageError) Unwrap() error {
	return e.Err
}

// SchemaError is returned when a record is missing a required field or a
// field violates its constraint.
type SchemaError struct {
	Index  int
	Field  string
	Reason string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("record %d: field %q %s", e.Index, e.Field, e.Reason)
}

// ByName resolves a codec from its configured name.
//
// Arguments:
//   - name: "json" or "msgpack".
//
// Returns:
//   - Codec: The codec.
//   - error: An error if the name is unknown.
func ByName(name string) (Codec, error) {
	switch name {
	case "", JSONName:
		return JSON{}, nil
	case MsgpackName:
		return Msgpack{}, nil
	default:
		return nil, errors.Errorf("unknown codec %q", name)
	}
}

// RoundConfidence rounds a confidence to two decimal digits. Rounding works on
// the exact binary value with ties to even: 0.015 is stored just below the
// midpoint and becomes 0.01, the exact tie 0.125 becomes 0.12.
func RoundConfidence(conf float64) float64 {
	rounded, err := strconv.ParseFloat(strconv.FormatFloat(conf, 'f', 2, 64), 64)
	if err != nil {
		return conf
	}
	return rounded
}

// wireRecord is the encoded form of a record.
type wireRecord struct {
	Label string  `json:"label" msgpack:"label"`
	Conf  float64 `json:"conf" msgpack:"conf"`
	X     int     `json:"x" msgpack:"x"`
	Y     int     `json:"y" msgpack:"y"`
	W     int     `json:"w" msgpack:"w"`
	H     int     `json:"h" msgpack:"h"`
}

// wireFields is the decoded form of a record; nil fields were absent.
type wireFields struct {
	Label *string  `json:"label" msgpack:"label"`
	Conf  *float64 `json:"conf" msgpack:"conf"`
	X     *int     `json:"x" msgpack:"x"`
	Y     *int     `json:"y" msgpack:"y"`
	W     *int     `json:"w" msgpack:"w"`
	H     *int     `json:"h" msgpack:"h"`
}

func toWire(batch detection.Batch) []wireRecord {
	out := make([]wireRecord, len(batch))
	for i, rec := range batch {
		out[i] = wireRecord{
			Label: rec.Label,
			Conf:  RoundConfidence(rec.Confidence),
			X:     rec.CenterX,
			Y:     rec.CenterY,
			W:     rec.Width,
			H:     rec.Height,
		}
	}
	return out
}

func fromWire(fields []wireFields) (detection.Batch, error) {
	batch := make(detection.Batch, 0, len(fields))
	for i, f := range fields {
		switch {
		case f.Label == nil:
			return nil, &SchemaError{Index: i, Field: "label", Reason: "is missing"}
		case f.Conf == nil:
			return nil, &SchemaError{Index: i, Field: "conf", Reason: "is missing"}
		case f.X == nil:
			return nil, &SchemaError{Index: i, Field: "x", Reason: "is missing"}
		case f.Y == nil:
			return nil, &SchemaError{Index: i, Field: "y", Reason: "is missing"}
		case f.W == nil:
			return nil, &SchemaError{Index: i, Field: "w", Reason: "is missing"}
		case f.H == nil:
			return nil, &SchemaError{Index: i, Field: "h", Reason: "is missing"}
		case *f.Label == "":
			return nil, &SchemaError{Index: i, Field: "label", Reason: "is empty"}
		case *f.Conf < 0 || *f.Conf > 1:
			return nil, &SchemaError{Index: i, Field: "conf", Reason: fmt.Sprintf("%v outside [0, 1]", *f.Conf)}
		case *f.W <= 0:
			return nil, &SchemaError{Index: i, Field: "w", Reason: fmt.Sprintf("%d is not positive", *f.W)}
		case *f.H <= 0:
			return nil, &SchemaError{Index: i, Field: "h", Reason: fmt.Sprintf("%d is not positive", *f.H)}
		}
		batch = append(batch, detection.Record{
			Label:      *f.Label,
			Confidence: *f.Conf,
			CenterX:    *f.X,
			CenterY:    *f.Y,
			Width:      *f.W,
			Height:     *f.H,
		})
	}
	return batch, nil
}
