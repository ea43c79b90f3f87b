// Package variant holds typed MMS Data values (ISO/IEC 9506-2 §6.2) decoded
// from or destined for confirmed Read/Write/InformationReport services.
package variant

import (
	"strconv"
	"strings"
	"time"
)

// Type identifies which MMS Data alternative a Variant carries.
type Type int

const (
	Float32 Type = iota
	Int32
	Boolean
	BitString
	VisibleString
	OctetString
	UTCTime
)

func (t Type) String() string {
	switch t {
	case Float32:
		return "float32"
	case Int32:
		return "int32"
	case Boolean:
		return "boolean"
	case BitString:
		return "bit-string"
	case VisibleString:
		return "visible-string"
	case OctetString:
		return "octet-string"
	case UTCTime:
		return "utc-time"
	default:
		var b strings.Builder
		b.WriteString("unknown(")
		b.WriteString(strconv.Itoa(int(t)))
		b.WriteByte(')')
		return b.String()
	}
}

// BitStringValue is a bit-string payload with its significant bit count,
// since the trailing byte may carry unused padding bits.
type BitStringValue struct {
	Data    []byte
	BitSize int
}

// Variant is an immutable, typed MMS Data value.
type Variant struct {
	typ   Type
	value interface{}
}

func (v *Variant) Type() Type {
	if v == nil {
		return Float32
	}
	return v.typ
}

func (v *Variant) Float32() float32 {
	if v == nil {
		return 0
	}
	switch val := v.value.(type) {
	case float32:
		return val
	case int32:
		return float32(val)
	default:
		return 0
	}
}

func (v *Variant) Int32() int32 {
	if v == nil {
		return 0
	}
	switch val := v.value.(type) {
	case int32:
		return val
	case float32:
		return int32(val)
	default:
		return 0
	}
}

func (v *Variant) Bool() bool {
	if v == nil {
		return false
	}
	val, _ := v.value.(bool)
	return val
}

func (v *Variant) BitString() BitStringValue {
	if v == nil {
		return BitStringValue{}
	}
	val, _ := v.value.(BitStringValue)
	return val
}

func (v *Variant) VisibleString() string {
	if v == nil {
		return ""
	}
	val, _ := v.value.(string)
	return val
}

func (v *Variant) OctetString() []byte {
	if v == nil {
		return nil
	}
	val, _ := v.value.([]byte)
	return val
}

func (v *Variant) Time() time.Time {
	if v == nil {
		return time.Time{}
	}
	val, _ := v.value.(time.Time)
	return val
}

func NewFloat32Variant(value float32) *Variant        { return &Variant{typ: Float32, value: value} }
func NewInt32Variant(value int32) *Variant             { return &Variant{typ: Int32, value: value} }
func NewBooleanVariant(value bool) *Variant            { return &Variant{typ: Boolean, value: value} }
func NewVisibleStringVariant(value string) *Variant    { return &Variant{typ: VisibleString, value: value} }
func NewOctetStringVariant(value []byte) *Variant      { return &Variant{typ: OctetString, value: value} }
func NewUTCTimeVariant(value time.Time) *Variant       { return &Variant{typ: UTCTime, value: value} }

func NewBitStringVariant(data []byte, bitSize int) *Variant {
	return &Variant{typ: BitString, value: BitStringValue{Data: data, BitSize: bitSize}}
}

func (v *Variant) String() string {
	if v == nil {
		return "<nil>"
	}

	var b strings.Builder
	b.WriteString(v.typ.String())
	b.WriteByte('(')

	switch v.typ {
	case Float32:
		b.WriteString(strconv.FormatFloat(float64(v.Float32()), 'g', -1, 32))
	case Int32:
		b.WriteString(strconv.FormatInt(int64(v.Int32()), 10))
	case Boolean:
		b.WriteString(strconv.FormatBool(v.Bool()))
	case BitString:
		bs := v.BitString()
		b.WriteString(strconv.Itoa(bs.BitSize))
		b.WriteString(" bits")
	case VisibleString:
		b.WriteString(v.VisibleString())
	case OctetString:
		b.WriteString(strconv.Itoa(len(v.OctetString())))
		b.WriteString(" bytes")
	case UTCTime:
		b.WriteString(v.Time().Format(time.RFC3339Nano))
	default:
		b.WriteString("<unknown>")
	}

	b.WriteByte(')')
	return b.String()
}
