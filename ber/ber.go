// Package ber implements the subset of X.690 Basic Encoding Rules the
// stack's upper layers need: tag/length/value encode and decode primitives
// threaded through explicit buffer positions rather than a cursor type,
// matching the bufPos-threading style used throughout acse, presentation,
// and mms.
package ber

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unsafe"
)

var (
	ErrBufferOverflow    = errors.New("buffer overflow")
	ErrInvalidLength     = errors.New("invalid length")
	ErrInvalidIndefinite = errors.New("invalid indefinite length")
	ErrMaxDepthExceeded  = errors.New("maximum depth exceeded")
)

// ItuObjectIdentifier is a decoded OBJECT IDENTIFIER, arc by arc.
type ItuObjectIdentifier struct {
	Arc      [10]uint32
	ArcCount int
}

const maxDepth = 50

// DecodeLength decodes a BER length field starting at bufPos, returning the
// position just past it and the decoded length.
func DecodeLength(buffer []byte, bufPos, maxBufPos int) (newPos int, length int, err error) {
	return decodeLengthRecursive(buffer, bufPos, maxBufPos, 0, maxDepth)
}

func decodeLengthRecursive(buffer []byte, bufPos, maxBufPos, depth, maxDepth int) (newPos int, length int, err error) {
	if bufPos >= maxBufPos {
		return -1, 0, ErrBufferOverflow
	}

	len1 := buffer[bufPos]
	bufPos++

	if len1&0x80 != 0 {
		lenLength := int(len1 & 0x7f)

		if lenLength == 0 {
			indefLength, err := getIndefiniteLength(buffer, bufPos, maxBufPos, depth, maxDepth)
			if err != nil {
				return -1, 0, err
			}
			length = indefLength
		} else {
			length = 0
			for i := 0; i < lenLength; i++ {
				if bufPos >= maxBufPos {
					return -1, 0, ErrBufferOverflow
				}
				if bufPos+length > maxBufPos {
					return -1, 0, ErrBufferOverflow
				}
				length = (length << 8) | int(buffer[bufPos])
				bufPos++
			}
		}
	} else {
		length = int(len1)
	}

	if length < 0 {
		return -1, 0, ErrInvalidLength
	}

	if bufPos+length > maxBufPos {
		return -1, 0, ErrBufferOverflow
	}

	return bufPos, length, nil
}

func getIndefiniteLength(buffer []byte, bufPos, maxBufPos, depth, maxDepth int) (int, error) {
	depth++
	if depth > maxDepth {
		return -1, ErrMaxDepthExceeded
	}

	length := 0
	for bufPos < maxBufPos {
		if bufPos+1 < maxBufPos && buffer[bufPos] == 0 && buffer[bufPos+1] == 0 {
			return length + 2, nil
		}

		length++

		if (buffer[bufPos] & 0x1f) == 0x1f {
			bufPos++
			length++
		}

		newBufPos, subLength, err := decodeLengthRecursive(buffer, bufPos, maxBufPos, depth, maxDepth)
		if err != nil {
			return -1, err
		}

		length += subLength + (newBufPos - bufPos)
		bufPos = newBufPos + subLength
	}

	return -1, ErrInvalidIndefinite
}

// DecodeUint32 decodes an intLen-byte unsigned integer at bufPos.
func DecodeUint32(buffer []byte, intLen, bufPos int) uint32 {
	value := uint32(0)
	for i := 0; i < intLen; i++ {
		value = (value << 8) | uint32(buffer[bufPos+i])
	}
	return value
}

// DecodeInt32 decodes an intLen-byte signed integer at bufPos, sign-extending
// from its leading bit.
func DecodeInt32(buffer []byte, intLen, bufPos int) int32 {
	var value int32
	if (buffer[bufPos] & 0x80) == 0x80 {
		value = -1
	}

	for i := 0; i < intLen; i++ {
		value = (value << 8) | int32(buffer[bufPos+i])
	}

	return value
}

// DecodeBoolean decodes a BER BOOLEAN value byte.
func DecodeBoolean(buffer []byte, bufPos int) bool {
	return buffer[bufPos] != 0
}

// DecodeOID decodes a BER OBJECT IDENTIFIER content of length bytes at
// bufPos into oid.
func DecodeOID(buffer []byte, bufPos, length int, oid *ItuObjectIdentifier) {
	startPos := bufPos
	currentArc := 0

	for i := 0; i < 10; i++ {
		oid.Arc[i] = 0
	}

	if length > 0 {
		oid.Arc[0] = uint32(buffer[bufPos] / 40)
		oid.Arc[1] = uint32(buffer[bufPos] % 40)
		currentArc = 2
		bufPos++
	}

	for (bufPos-startPos < length) && (currentArc < 10) {
		oid.Arc[currentArc] = oid.Arc[currentArc] << 7

		if buffer[bufPos] < 0x80 {
			oid.Arc[currentArc] += uint32(buffer[bufPos])
			currentArc++
		} else {
			oid.Arc[currentArc] += uint32(buffer[bufPos] & 0x7f)
		}

		bufPos++
	}

	oid.ArcCount = currentArc
}

// EncodeLength writes length in BER definite-length form at bufPos and
// returns the position just past it.
func EncodeLength(length uint32, buffer []byte, bufPos int) int {
	if length < 128 {
		buffer[bufPos] = byte(length)
		bufPos++
	} else if length < 256 {
		buffer[bufPos] = 0x81
		bufPos++
		buffer[bufPos] = byte(length)
		bufPos++
	} else if length < 65536 {
		buffer[bufPos] = 0x82
		bufPos++
		buffer[bufPos] = byte(length / 256)
		bufPos++
		buffer[bufPos] = byte(length % 256)
		bufPos++
	} else {
		buffer[bufPos] = 0x83
		bufPos++
		buffer[bufPos] = byte(length / 0x10000)
		bufPos++
		buffer[bufPos] = byte((length & 0xffff) / 0x100)
		bufPos++
		buffer[bufPos] = byte(length % 256)
		bufPos++
	}
	return bufPos
}

// EncodeTL writes tag followed by length at bufPos.
func EncodeTL(tag byte, length uint32, buffer []byte, bufPos int) int {
	buffer[bufPos] = tag
	bufPos++
	return EncodeLength(length, buffer, bufPos)
}

// EncodeBoolean writes a tagged one-byte BOOLEAN at bufPos.
func EncodeBoolean(tag byte, value bool, buffer []byte, bufPos int) int {
	buffer[bufPos] = tag
	bufPos++
	buffer[bufPos] = 1
	bufPos++
	if value {
		buffer[bufPos] = 0x01
	} else {
		buffer[bufPos] = 0x00
	}
	bufPos++
	return bufPos
}

// EncodeStringWithTag writes a tagged VisibleString (or any octet string
// tag) at bufPos, encoding an empty string as a zero-length field.
func EncodeStringWithTag(tag byte, str string, buffer []byte, bufPos int) int {
	buffer[bufPos] = tag
	bufPos++

	if str != "" {
		bufPos = EncodeLength(uint32(len(str)), buffer, bufPos)
		for i := 0; i < len(str); i++ {
			buffer[bufPos] = str[i]
			bufPos++
		}
	} else {
		buffer[bufPos] = 0
		bufPos++
	}

	return bufPos
}

// EncodeBitString writes a tagged BIT STRING of bitStringSize bits at
// bufPos, zeroing the unused trailing bits in the final octet per the
// unused-bits count it also writes.
func EncodeBitString(tag byte, bitStringSize int, bitString []byte, buffer []byte, bufPos int) int {
	buffer[bufPos] = tag
	bufPos++

	byteSize := bitStringSize / 8
	if bitStringSize%8 != 0 {
		byteSize++
	}

	padding := (byteSize * 8) - bitStringSize

	bufPos = EncodeLength(uint32(byteSize+1), buffer, bufPos)

	buffer[bufPos] = byte(padding)
	bufPos++

	for i := 0; i < byteSize; i++ {
		buffer[bufPos] = bitString[i]
		bufPos++
	}

	paddingMask := byte(0)
	for i := 0; i < padding; i++ {
		paddingMask += 1 << i
	}
	buffer[bufPos-1] &= ^paddingMask

	return bufPos
}

// revertByteOrder reverses octets in place.
func revertByteOrder(octets []byte) {
	size := len(octets)
	for i := 0; i < size/2; i++ {
		octets[i], octets[size-1-i] = octets[size-1-i], octets[i]
	}
}

// CompressInteger strips leading sign-extension bytes (0x00 bytes followed
// by a clear high bit, or 0xff bytes followed by a set high bit) in place
// and returns the resulting size.
func CompressInteger(integer []byte) int {
	originalSize := len(integer)
	integerEnd := originalSize - 1
	bytePosition := 0

	for bytePosition < integerEnd {
		if integer[bytePosition] == 0x00 {
			if (integer[bytePosition+1] & 0x80) == 0 {
				bytePosition++
				continue
			}
		} else if integer[bytePosition] == 0xff {
			if (integer[bytePosition+1] & 0x80) == 0x80 {
				bytePosition++
				continue
			}
		}
		break
	}

	bytesToDelete := bytePosition
	newSize := originalSize

	if bytesToDelete > 0 {
		newSize -= bytesToDelete
		for i := 0; i < newSize; i++ {
			integer[i] = integer[bytePosition]
			bytePosition++
		}
	}

	return newSize
}

// EncodeUInt32 writes value as a minimal-length BER INTEGER content (no
// tag/length) at bufPos.
func EncodeUInt32(value uint32, buffer []byte, bufPos int) int {
	valueBuffer := make([]byte, 5)
	binary.BigEndian.PutUint32(valueBuffer[1:], value)

	size := CompressInteger(valueBuffer)

	for i := 0; i < size; i++ {
		buffer[bufPos] = valueBuffer[i]
		bufPos++
	}

	return bufPos
}

// EncodeInt32 writes value as a minimal-length BER INTEGER content (no
// tag/length) at bufPos.
func EncodeInt32(value int32, buffer []byte, bufPos int) int {
	valueBuffer := make([]byte, 4)
	binary.BigEndian.PutUint32(valueBuffer, uint32(value))

	size := CompressInteger(valueBuffer)

	for i := 0; i < size; i++ {
		buffer[bufPos] = valueBuffer[i]
		bufPos++
	}

	return bufPos
}

// UInt32DetermineEncodedSize returns how many content bytes EncodeUInt32
// would write for value, without writing them.
func UInt32DetermineEncodedSize(value uint32) int {
	valueBuffer := make([]byte, 5)
	binary.BigEndian.PutUint32(valueBuffer[1:], value)

	return CompressInteger(valueBuffer)
}

// Int32DetermineEncodedSize returns how many content bytes EncodeInt32
// would write for value, without writing them.
func Int32DetermineEncodedSize(value int32) int {
	valueBuffer := make([]byte, 4)
	binary.BigEndian.PutUint32(valueBuffer, uint32(value))

	return CompressInteger(valueBuffer)
}

// DetermineLengthSize returns how many bytes EncodeLength would use for
// length.
func DetermineLengthSize(length uint32) int {
	if length < 128 {
		return 1
	}
	if length < 256 {
		return 2
	}
	if length < 65536 {
		return 3
	}
	return 4
}

// EncodeOIDToBuffer encodes a dotted (or comma/space separated) OID string
// into buffer and returns the number of bytes written.
func EncodeOIDToBuffer(oidString string, buffer []byte, maxBufLen int) (int, error) {
	encodedBytes := 0

	sepChar := '.'
	separator := strings.IndexByte(oidString, '.')
	if separator == -1 {
		sepChar = ','
		separator = strings.IndexByte(oidString, ',')
	}
	if separator == -1 {
		sepChar = ' '
		separator = strings.IndexByte(oidString, ' ')
	}
	if separator == -1 {
		return 0, errors.New("invalid OID format")
	}

	x, err := strconv.Atoi(oidString[:separator])
	if err != nil {
		return 0, fmt.Errorf("invalid OID: %w", err)
	}

	nextSep := strings.IndexByte(oidString[separator+1:], byte(sepChar))
	var yStr string
	if nextSep == -1 {
		yStr = oidString[separator+1:]
	} else {
		yStr = oidString[separator+1 : separator+1+nextSep]
	}

	y, err := strconv.Atoi(yStr)
	if err != nil {
		return 0, fmt.Errorf("invalid OID: %w", err)
	}

	if encodedBytes >= maxBufLen {
		return 0, ErrBufferOverflow
	}
	buffer[encodedBytes] = byte(x*40 + y)
	encodedBytes++

	remaining := oidString[separator+1:]
	if nextSep != -1 {
		remaining = remaining[nextSep+1:]
	}

	for {
		separator = strings.IndexByte(remaining, byte(sepChar))
		if separator == -1 {
			break
		}

		if err := encodeOIDArc(remaining[:separator], buffer, &encodedBytes, maxBufLen); err != nil {
			return 0, err
		}

		remaining = remaining[separator+1:]
	}

	if remaining != "" {
		if err := encodeOIDArc(remaining, buffer, &encodedBytes, maxBufLen); err != nil {
			return 0, err
		}
	}

	return encodedBytes, nil
}

// encodeOIDArc appends one base-128 OID arc to buffer, advancing *encodedBytes.
func encodeOIDArc(valStr string, buffer []byte, encodedBytes *int, maxBufLen int) error {
	val, err := strconv.Atoi(valStr)
	if err != nil {
		return fmt.Errorf("invalid OID: %w", err)
	}

	if val == 0 {
		if *encodedBytes >= maxBufLen {
			return ErrBufferOverflow
		}
		buffer[*encodedBytes] = 0
		*encodedBytes++
		return nil
	}

	requiredBytes := 0
	for v := val; v > 0; v >>= 7 {
		requiredBytes++
	}

	for requiredBytes > 0 {
		b := byte((val >> (7 * (requiredBytes - 1))) & 0x7f)
		if requiredBytes > 1 {
			b += 128
		}

		if *encodedBytes >= maxBufLen {
			return ErrBufferOverflow
		}
		buffer[*encodedBytes] = b
		*encodedBytes++
		requiredBytes--
	}

	return nil
}

func isLittleEndian() bool {
	var x uint32 = 0x01020304
	return *(*byte)(unsafe.Pointer(&x)) == 0x04
}
