package presence

import (
	"errors"
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers of the binary identity/state record.
const (
	fieldID        protowire.Number = 1
	fieldType      protowire.Number = 2
	fieldNickname  protowire.Number = 3
	fieldDevice    protowire.Number = 4
	fieldDeviceID  protowire.Number = 5
	fieldAuthority protowire.Number = 6
	fieldAvatar    protowire.Number = 7
	fieldPox       protowire.Number = 8
	fieldPoy       protowire.Number = 9
	fieldPoz       protowire.Number = 10
	fieldRoy       protowire.Number = 11
	fieldState     protowire.Number = 12
	fieldHost      protowire.Number = 13
	fieldTimestamp protowire.Number = 14
)

// Frame kinds reported by DecodeError.
const (
	KindBinary = "binary"
	KindText   = "text"
)

// ErrWireType marks a known field carrying the wrong protobuf wire type.
var ErrWireType = errors.New("unexpected wire type")

// DecodeError reports a frame that could not be decoded. The connection and
// session are left untouched when one is returned.
type DecodeError struct {
	Kind string
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s frame: %v", e.Kind, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Record is the identity/state message sent in binary frames. A nil field was
// not present on the wire.
type Record struct {
	ID        *uint32
	Type      *string
	Nickname  *string
	Device    *string
	DeviceID  *string
	Authority *bool
	Avatar    *string
	Pox       *float32
	Poy       *float32
	Poz       *float32
	Roy       *float32
	State     *string
	Host      *string
	Timestamp *uint64
}

// DecodeRecord parses a protobuf encoded record. Unknown fields are skipped;
// truncated input or a known field with the wrong wire type fails.
func DecodeRecord(b []byte) (Record, error) {
	var r Record
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return Record{}, decodeErr(protowire.ParseError(n))
		}
		b = b[n:]

		want, known := wireTypes[num]
		if !known {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return Record{}, decodeErr(protowire.ParseError(n))
			}
			b = b[n:]
			continue
		}
		if typ != want {
			return Record{}, decodeErr(fmt.Errorf("%w for field %d: got %d, want %d", ErrWireType, num, typ, want))
		}

		switch typ {
		case protowire.VarintType:
			var v uint64
			v, n = protowire.ConsumeVarint(b)
			if n >= 0 {
				r.setVarint(num, v)
			}
		case protowire.Fixed32Type:
			var v uint32
			v, n = protowire.ConsumeFixed32(b)
			if n >= 0 {
				r.setFloat(num, math.Float32frombits(v))
			}
		case protowire.BytesType:
			var v []byte
			v, n = protowire.ConsumeBytes(b)
			if n >= 0 {
				r.setString(num, string(v))
			}
		}
		if n < 0 {
			return Record{}, decodeErr(protowire.ParseError(n))
		}
		b = b[n:]
	}
	return r, nil
}

// Marshal encodes the present fields of r in field number order.
func (r Record) Marshal() []byte {
	var b []byte
	if r.ID != nil {
		b = protowire.AppendTag(b, fieldID, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(*r.ID))
	}
	b = appendString(b, fieldType, r.Type)
	b = appendString(b, fieldNickname, r.Nickname)
	b = appendString(b, fieldDevice, r.Device)
	b = appendString(b, fieldDeviceID, r.DeviceID)
	if r.Authority != nil {
		b = protowire.AppendTag(b, fieldAuthority, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeBool(*r.Authority))
	}
	b = appendString(b, fieldAvatar, r.Avatar)
	b = appendFloat(b, fieldPox, r.Pox)
	b = appendFloat(b, fieldPoy, r.Poy)
	b = appendFloat(b, fieldPoz, r.Poz)
	b = appendFloat(b, fieldRoy, r.Roy)
	b = appendString(b, fieldState, r.State)
	b = appendString(b, fieldHost, r.Host)
	if r.Timestamp != nil {
		b = protowire.AppendTag(b, fieldTimestamp, protowire.VarintType)
		b = protowire.AppendVarint(b, *r.Timestamp)
	}
	return b
}

var wireTypes = map[protowire.Number]protowire.Type{
	fieldID:        protowire.VarintType,
	fieldType:      protowire.BytesType,
	fieldNickname:  protowire.BytesType,
	fieldDevice:    protowire.BytesType,
	fieldDeviceID:  protowire.BytesType,
	fieldAuthority: protowire.VarintType,
	fieldAvatar:    protowire.BytesType,
	fieldPox:       protowire.Fixed32Type,
	fieldPoy:       protowire.Fixed32Type,
	fieldPoz:       protowire.Fixed32Type,
	fieldRoy:       protowire.Fixed32Type,
	fieldState:     protowire.BytesType,
	fieldHost:      protowire.BytesType,
	fieldTimestamp: protowire.VarintType,
}

func (r *Record) setVarint(num protowire.Number, v uint64) {
	switch num {
	case fieldID:
		id := uint32(v)
		r.ID = &id
	case fieldAuthority:
		auth := protowire.DecodeBool(v)
		r.Authority = &auth
	case fieldTimestamp:
		r.Timestamp = &v
	}
}

func (r *Record) setFloat(num protowire.Number, v float32) {
	switch num {
	case fieldPox:
		r.Pox = &v
	case fieldPoy:
		r.Poy = &v
	case fieldPoz:
		r.Poz = &v
	case fieldRoy:
		r.Roy = &v
	}
}

func (r *Record) setString(num protowire.Number, v string) {
	switch num {
	case fieldType:
		r.Type = &v
	case fieldNickname:
		r.Nickname = &v
	case fieldDevice:
		r.Device = &v
	case fieldDeviceID:
		r.DeviceID = &v
	case fieldAvatar:
		r.Avatar = &v
	case fieldState:
		r.State = &v
	case fieldHost:
		r.Host = &v
	}
}

func appendString(b []byte, num protowire.Number, v *string) []byte {
	if v == nil {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, *v)
}

func appendFloat(b []byte, num protowire.Number, v *float32) []byte {
	if v == nil {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.Fixed32Type)
	return protowire.AppendFixed32(b, math.Float32bits(*v))
}

func decodeErr(err error) error {
	return &DecodeError{Kind: KindBinary, Err: err}
}

// Ptr returns a pointer to v. Handy when building records by hand.
func Ptr[T any](v T) *T {
	return &v
}
