// Package mms implements the ISO/IEC 9506-2 MMS service primitives used by
// the stack: Initiate, Read, Write and GetVariableAccessAttributes. Each
// request/response pair is a small BER encoder/decoder pair operating on the
// confirmed-RequestPDU / confirmed-ResponsePDU envelope.
package mms

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/mms61850/stack/ber"
	"github.com/mms61850/stack/mms/variant"
)

// Confirmed service choice tags, carried inside confirmedServiceRequest /
// confirmedServiceResponse (ISO/IEC 9506-1 Annex A). Each CHOICE alternative
// is a constructed SEQUENCE, so the wire tag is context-specific-N
// constructed (0xA0 | N), not the bare CHOICE index.
const (
	serviceRead                        byte = 0xA4
	serviceWrite                       byte = 0xA5
	serviceGetVariableAccessAttributes byte = 0xA6
)

// MMS-PDU CHOICE tags (ISO/IEC 9506-1 §7.1.2). Every alternative's content
// is a constructed SEQUENCE, so each tag is context-specific-N constructed.
const (
	tagConfirmedRequestPDU  byte = 0xA0
	tagConfirmedResponsePDU byte = 0xA1
	tagConfirmedErrorPDU    byte = 0xA2
	tagUnconfirmedPDU       byte = 0xA3
	tagRejectPDU            byte = 0xA4
	tagInitiateRequestPDU   byte = 0xA8
	tagInitiateResponsePDU  byte = 0xA9
	tagConcludeRequestPDU   byte = 0xAB
	tagConcludeResponsePDU  byte = 0xAC
)

// InvokeID identifies a confirmed request/response pair across the wire.
type InvokeID uint32

func encodeUint32TL(tag byte, value uint32, buffer []byte, bufPos int) int {
	tempBuf := make([]byte, 8)
	tempPos := ber.EncodeUInt32(value, tempBuf, 0)
	bufPos = ber.EncodeTL(tag, uint32(tempPos), buffer, bufPos)
	copy(buffer[bufPos:], tempBuf[:tempPos])
	return bufPos + tempPos
}

// encodeConfirmedRequest wraps invokeID and a service-specific body (already
// carrying its own CHOICE tag) in the confirmed-RequestPDU envelope.
func encodeConfirmedRequest(invokeID uint32, service []byte) []byte {
	buffer := make([]byte, 16+len(service))
	bufPos := 0

	tempBuf := make([]byte, 8)
	tempPos := ber.EncodeUInt32(invokeID, tempBuf, 0)
	bufPos = ber.EncodeTL(0x02, uint32(tempPos), buffer, bufPos)
	copy(buffer[bufPos:], tempBuf[:tempPos])
	bufPos += tempPos

	copy(buffer[bufPos:], service)
	bufPos += len(service)

	content := buffer[:bufPos]
	out := make([]byte, 8+len(content))
	outPos := ber.EncodeTL(tagConfirmedRequestPDU, uint32(len(content)), out, 0)
	copy(out[outPos:], content)
	outPos += len(content)
	return out[:outPos]
}

// decodeConfirmedEnvelope strips an optional confirmed-RequestPDU /
// confirmed-ResponsePDU outer tag. Once a connection has negotiated the
// application context, peers are also seen sending the inner SEQUENCE
// directly without the outer tag, so both forms are accepted.
func decodeConfirmedEnvelope(buffer []byte) ([]byte, error) {
	if len(buffer) == 0 {
		return nil, errors.New("mms: empty buffer")
	}
	if buffer[0] != tagConfirmedRequestPDU && buffer[0] != tagConfirmedResponsePDU {
		return buffer, nil
	}
	bufPos, length, err := ber.DecodeLength(buffer, 1, len(buffer))
	if err != nil {
		return nil, fmt.Errorf("mms: decode envelope length: %w", err)
	}
	if bufPos+length > len(buffer) {
		return nil, errors.New("mms: envelope length exceeds buffer")
	}
	return buffer[bufPos : bufPos+length], nil
}

// bitmaskFromBits packs a set of bit offsets (MSB-first, as MMS numbers its
// capability bit strings) into byteSize bytes.
func bitmaskFromBits[T ~uint](bits []T, byteSize int) []byte {
	out := make([]byte, byteSize)
	for _, bit := range bits {
		idx := int(bit)
		byteIdx := idx / 8
		if byteIdx >= byteSize {
			continue
		}
		out[byteIdx] |= 1 << (7 - uint(idx%8))
	}
	return out
}

// bitsFromBitmask unpacks the set bit offsets of a BIT STRING value whose
// trailing padding bits byte count is given by unusedBits.
func bitsFromBitmask(data []byte, unusedBits byte) []uint {
	var bits []uint
	total := len(data) * 8
	for i := 0; i < total; i++ {
		if i >= total-int(unusedBits) {
			break
		}
		byteIdx := i / 8
		if data[byteIdx]&(1<<(7-uint(i%8))) != 0 {
			bits = append(bits, uint(i))
		}
	}
	return bits
}

func encodeFloatingPoint(value float32) []byte {
	out := make([]byte, 5)
	out[0] = 0x08 // formatWidth 32, exponentWidth 8, encoded as libiec61850 does: single byte 0x08
	binary.BigEndian.PutUint32(out[1:], math.Float32bits(value))
	return out
}

func decodeFloatingPoint(buffer []byte) (float32, error) {
	if len(buffer) < 5 {
		return 0, fmt.Errorf("mms: floating-point value too short: %d bytes", len(buffer))
	}
	if buffer[0] != 0x08 {
		return 0, fmt.Errorf("mms: unsupported floating-point format byte 0x%02x", buffer[0])
	}
	return math.Float32frombits(binary.BigEndian.Uint32(buffer[1:5])), nil
}

func encodeUTCTime(t time.Time) []byte {
	out := make([]byte, 8)
	u := t.UTC()
	binary.BigEndian.PutUint32(out[0:4], uint32(u.Unix()))
	fraction := uint32(uint64(u.Nanosecond()) * 0x1000000 / 1_000_000_000)
	out[4] = byte(fraction >> 16)
	out[5] = byte(fraction >> 8)
	out[6] = byte(fraction)
	out[7] = 0x0a // quality: clock-failure=0, clock-not-synchronized=0, leap-second=0, accuracy=10 bits
	return out
}

func decodeUTCTime(buffer []byte) (time.Time, error) {
	if len(buffer) != 8 {
		return time.Time{}, fmt.Errorf("mms: utc-time must be 8 bytes, got %d", len(buffer))
	}
	seconds := binary.BigEndian.Uint32(buffer[0:4])
	fraction := uint32(buffer[4])<<16 | uint32(buffer[5])<<8 | uint32(buffer[6])
	nanoseconds := uint64(fraction) * 1_000_000_000 / 0x1000000
	return time.Unix(int64(seconds), int64(nanoseconds)).UTC(), nil
}

// encodeObjectName encodes a domain-qualified ObjectName (domain-specific
// alternative, the only one this stack produces or expects).
func encodeObjectName(domainID, itemID string) []byte {
	buffer := make([]byte, 8+len(domainID)+len(itemID))
	bufPos := ber.EncodeStringWithTag(0x1A, domainID, buffer, 0)
	bufPos = ber.EncodeStringWithTag(0x1A, itemID, buffer, bufPos)
	domainSpecific := buffer[:bufPos]

	out := make([]byte, 8+len(domainSpecific))
	outPos := ber.EncodeTL(0xA1, uint32(len(domainSpecific)), out, 0)
	copy(out[outPos:], domainSpecific)
	outPos += len(domainSpecific)
	return out[:outPos]
}

func decodeObjectName(buffer []byte) (domainID, itemID string, err error) {
	if len(buffer) == 0 || buffer[0] != byte(0xA1) {
		return "", "", fmt.Errorf("mms: expected domain-specific object name, got 0x%02x", safeByte(buffer, 0))
	}
	bufPos, length, err := ber.DecodeLength(buffer, 1, len(buffer))
	if err != nil {
		return "", "", fmt.Errorf("mms: decode object name length: %w", err)
	}
	end := bufPos + length
	if end > len(buffer) {
		return "", "", errors.New("mms: object name length exceeds buffer")
	}

	var names []string
	for bufPos < end {
		tag := buffer[bufPos]
		bufPos++
		newPos, fieldLength, err := ber.DecodeLength(buffer, bufPos, end)
		if err != nil {
			return "", "", fmt.Errorf("mms: decode object name field: %w", err)
		}
		bufPos = newPos
		if tag == byte(0x1A) {
			names = append(names, string(buffer[bufPos:bufPos+fieldLength]))
		}
		bufPos += fieldLength
	}
	if len(names) != 2 {
		return "", "", fmt.Errorf("mms: expected domainId and itemId, got %d strings", len(names))
	}
	return names[0], names[1], nil
}

// encodeDataValue BER-encodes a Variant as an MMS Data CHOICE value, using
// the IMPLICIT context-specific tag libiec61850 assigns each alternative.
func encodeDataValue(v *variant.Variant) ([]byte, error) {
	if v == nil {
		return nil, errors.New("mms: cannot encode nil variant")
	}
	switch v.Type() {
	case variant.Float32:
		content := encodeFloatingPoint(v.Float32())
		return tlBytes(dataTagFloatingPoint, content), nil

	case variant.Int32:
		tempBuf := make([]byte, 8)
		n := ber.EncodeInt32(v.Int32(), tempBuf, 0)
		return tlBytes(dataTagInteger, tempBuf[:n]), nil

	case variant.Boolean:
		out := make([]byte, 3)
		n := ber.EncodeBoolean(dataTagBoolean, v.Bool(), out, 0)
		return out[:n], nil

	case variant.BitString:
		bs := v.BitString()
		out := make([]byte, 4+len(bs.Data))
		n := ber.EncodeBitString(dataTagBitString, bs.BitSize, bs.Data, out, 0)
		return out[:n], nil

	case variant.VisibleString:
		return tlBytes(dataTagVisibleString, []byte(v.VisibleString())), nil

	case variant.OctetString:
		return tlBytes(dataTagOctetString, v.OctetString()), nil

	case variant.UTCTime:
		return tlBytes(dataTagUTCTime, encodeUTCTime(v.Time())), nil

	default:
		return nil, fmt.Errorf("mms: cannot encode variant of type %s", v.Type())
	}
}

func tlBytes(tag byte, content []byte) []byte {
	out := make([]byte, 4+len(content))
	pos := ber.EncodeTL(tag, uint32(len(content)), out, 0)
	copy(out[pos:], content)
	return out[:pos+len(content)]
}

// decodeDataValue decodes an MMS Data CHOICE value already stripped of its
// tag and length, given that tag.
func decodeDataValue(tag byte, data []byte) (*variant.Variant, error) {
	switch tag {
	case dataTagFloatingPoint:
		value, err := decodeFloatingPoint(data)
		if err != nil {
			return nil, err
		}
		return variant.NewFloat32Variant(value), nil

	case dataTagInteger:
		return variant.NewInt32Variant(ber.DecodeInt32(data, len(data), 0)), nil

	case dataTagBoolean:
		return variant.NewBooleanVariant(ber.DecodeBoolean(data, 0)), nil

	case dataTagBitString:
		if len(data) < 1 {
			return nil, errors.New("mms: bit-string missing padding byte")
		}
		padding := int(data[0])
		bits := data[1:]
		return variant.NewBitStringVariant(append([]byte(nil), bits...), len(bits)*8-padding), nil

	case dataTagVisibleString:
		return variant.NewVisibleStringVariant(string(data)), nil

	case dataTagOctetString:
		return variant.NewOctetStringVariant(append([]byte(nil), data...)), nil

	case dataTagUTCTime:
		t, err := decodeUTCTime(data)
		if err != nil {
			return nil, err
		}
		return variant.NewUTCTimeVariant(t), nil

	default:
		return nil, fmt.Errorf("mms: unsupported Data tag 0x%02x", tag)
	}
}

// PeekInvokeID extracts the invokeID leading a confirmed-ResponsePDU without
// decoding its service-specific body, so the dispatcher can correlate a
// response before handing it to the service-specific parser the waiter
// itself calls.
func PeekInvokeID(buffer []byte) (uint32, error) {
	content, err := stripTag(buffer, tagConfirmedResponsePDU)
	if err != nil {
		return 0, err
	}
	if len(content) < 2 || content[0] != 0x02 {
		return 0, errors.New("mms: confirmed-response does not start with invokeID")
	}
	bufPos, length, err := ber.DecodeLength(content, 1, len(content))
	if err != nil {
		return 0, fmt.Errorf("mms: decode invokeID length: %w", err)
	}
	return ber.DecodeUint32(content, length, bufPos), nil
}

// stripTag strips a single expected application tag, returning its content.
func stripTag(buffer []byte, tag byte) ([]byte, error) {
	if len(buffer) == 0 || buffer[0] != tag {
		return nil, fmt.Errorf("mms: expected PDU tag 0x%02x, got 0x%02x", tag, safeByte(buffer, 0))
	}
	bufPos, length, err := ber.DecodeLength(buffer, 1, len(buffer))
	if err != nil {
		return nil, fmt.Errorf("mms: decode PDU length: %w", err)
	}
	if bufPos+length > len(buffer) {
		return nil, errors.New("mms: PDU length exceeds buffer")
	}
	return buffer[bufPos : bufPos+length], nil
}

func safeByte(buf []byte, i int) byte {
	if i < 0 || i >= len(buf) {
		return 0
	}
	return buf[i]
}
