package wire

import (
	"math"

	"github.com/Lekssays/flpoison/model"
	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

var ErrMalformed = errors.New("malformed update record")

// UpdateRecord is a client update as exchanged with the update registry.
//
//	message UpdateRecord {
//	  string session_id = 1;
//	  uint64 round = 2;
//	  string client_id = 3;
//	  repeated ShapeEntry manifest = 4;
//	  repeated double values = 5 [packed = true];
//	  bool poisoned = 6;
//	}
//	message ShapeEntry {
//	  string name = 1;
//	  repeated uint64 shape = 2 [packed = true];
//	}
type UpdateRecord struct {
	SessionID string
	Round     int
	ClientID  string
	Manifest  model.Manifest
	Values    []float64
	Poisoned  bool
}

const (
	fieldSessionID protowire.Number = 1
	fieldRound     protowire.Number = 2
	fieldClientID  protowire.Number = 3
	fieldManifest  protowire.Number = 4
	fieldValues    protowire.Number = 5
	fieldPoisoned  protowire.Number = 6

	fieldEntryName  protowire.Number = 1
	fieldEntryShape protowire.Number = 2
)

// NewUpdateRecord flattens m into a record.
func NewUpdateRecord(sessionID string, round int, clientID string, m *model.Model, poisoned bool) *UpdateRecord {
	values, manifest := model.Flatten(m)
	return &UpdateRecord{
		SessionID: sessionID,
		Round:     round,
		ClientID:  clientID,
		Manifest:  manifest,
		Values:    values,
		Poisoned:  poisoned,
	}
}

// Model rebuilds the update on top of target.
func (r *UpdateRecord) Model(target *model.Model) (*model.Model, error) {
	return model.Unflatten(r.Values, r.Manifest, target)
}

func Marshal(r *UpdateRecord) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldSessionID, protowire.BytesType)
	b = protowire.AppendString(b, r.SessionID)
	b = protowire.AppendTag(b, fieldRound, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(r.Round))
	b = protowire.AppendTag(b, fieldClientID, protowire.BytesType)
	b = protowire.AppendString(b, r.ClientID)
	for _, e := range r.Manifest {
		b = protowire.AppendTag(b, fieldManifest, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalEntry(e))
	}
	if len(r.Values) > 0 {
		packed := make([]byte, 0, 8*len(r.Values))
		for _, v := range r.Values {
			packed = protowire.AppendFixed64(packed, math.Float64bits(v))
		}
		b = protowire.AppendTag(b, fieldValues, protowire.BytesType)
		b = protowire.AppendBytes(b, packed)
	}
	if r.Poisoned {
		b = protowire.AppendTag(b, fieldPoisoned, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeBool(true))
	}
	return b
}

func marshalEntry(e model.ShapeEntry) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldEntryName, protowire.BytesType)
	b = protowire.AppendString(b, e.Name)
	var packed []byte
	for _, d := range e.Shape {
		packed = protowire.AppendVarint(packed, uint64(d))
	}
	b = protowire.AppendTag(b, fieldEntryShape, protowire.BytesType)
	b = protowire.AppendBytes(b, packed)
	return b
}

func Unmarshal(b []byte) (*UpdateRecord, error) {
	r := &UpdateRecord{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, malformed(n)
		}
		b = b[n:]

		switch {
		case num == fieldSessionID && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return nil, malformed(n)
			}
			r.SessionID = v
			b = b[n:]
		case num == fieldRound && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, malformed(n)
			}
			if v > math.MaxInt32 {
				return nil, errors.Wrapf(ErrMalformed, "round %d out of range", v)
			}
			r.Round = int(v)
			b = b[n:]
		case num == fieldClientID && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return nil, malformed(n)
			}
			r.ClientID = v
			b = b[n:]
		case num == fieldManifest && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, malformed(n)
			}
			e, err := unmarshalEntry(v)
			if err != nil {
				return nil, err
			}
			r.Manifest = append(r.Manifest, e)
			b = b[n:]
		case num == fieldValues && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, malformed(n)
			}
			for len(v) > 0 {
				bits, m := protowire.ConsumeFixed64(v)
				if m < 0 {
					return nil, malformed(m)
				}
				r.Values = append(r.Values, math.Float64frombits(bits))
				v = v[m:]
			}
			b = b[n:]
		case num == fieldValues && typ == protowire.Fixed64Type:
			bits, n := protowire.ConsumeFixed64(b)
			if n < 0 {
				return nil, malformed(n)
			}
			r.Values = append(r.Values, math.Float64frombits(bits))
			b = b[n:]
		case num == fieldPoisoned && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, malformed(n)
			}
			r.Poisoned = protowire.DecodeBool(v)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, malformed(n)
			}
			b = b[n:]
		}
	}
	if r.Manifest.Size() != len(r.Values) {
		return nil, errors.Wrapf(ErrMalformed, "manifest describes %d values, record has %d", r.Manifest.Size(), len(r.Values))
	}
	return r, nil
}

func unmarshalEntry(b []byte) (model.ShapeEntry, error) {
	var e model.ShapeEntry
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return e, malformed(n)
		}
		b = b[n:]
		switch {
		case num == fieldEntryName && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return e, malformed(n)
			}
			e.Name = v
			b = b[n:]
		case num == fieldEntryShape && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return e, malformed(n)
			}
			for len(v) > 0 {
				d, m := protowire.ConsumeVarint(v)
				if m < 0 {
					return e, malformed(m)
				}
				dim, err := dimension(d)
				if err != nil {
					return e, err
				}
				e.Shape = append(e.Shape, dim)
				v = v[m:]
			}
			b = b[n:]
		case num == fieldEntryShape && typ == protowire.VarintType:
			d, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return e, malformed(n)
			}
			dim, err := dimension(d)
			if err != nil {
				return e, err
			}
			e.Shape = append(e.Shape, dim)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return e, malformed(n)
			}
			b = b[n:]
		}
	}
	return e, nil
}

// dimension bounds a decoded tensor dimension to [1, MaxInt32].
func dimension(d uint64) (int, error) {
	if d == 0 || d > math.MaxInt32 {
		return 0, errors.Wrapf(ErrMalformed, "dimension %d out of range", d)
	}
	return int(d), nil
}

func malformed(n int) error {
	return errors.Wrap(ErrMalformed, protowire.ParseError(n).Error())
}
