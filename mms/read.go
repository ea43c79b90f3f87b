package mms

import (
	"errors"
	"fmt"

	"github.com/mms61850/stack/ber"
	"github.com/mms61850/stack/mms/variant"
)

// DataAccessErrorCode enumerates MMS DataAccessError values
// (ISO/IEC 9506-2 §7.2.2).
type DataAccessErrorCode uint32

const (
	ObjectInvalidated DataAccessErrorCode = 0
	HardwareFault DataAccessErrorCode = 1
	TemporarilyUnavailable DataAccessErrorCode = 2
	ObjectAccessDenied DataAccessErrorCode = 3
	ObjectUndefined DataAccessErrorCode = 4
	InvalidAddress DataAccessErrorCode = 5
	TypeUnsupported DataAccessErrorCode = 6
	TypeInconsistent DataAccessErrorCode = 7
	ObjectAttributeInconsistent DataAccessErrorCode = 8
	ObjectAccessUnsupported DataAccessErrorCode = 9
	ObjectNonExistent DataAccessErrorCode = 10
	ObjectValueInvalid DataAccessErrorCode = 11
)

func (c DataAccessErrorCode) String() string {
	switch c {
	case ObjectInvalidated:
		return "object-invalidated"
	case HardwareFault:
		return "hardware-fault"
	case TemporarilyUnavailable:
		return "temporarily-unavailable"
	case ObjectAccessDenied:
		return "object-access-denied"
	case ObjectUndefined:
		return "object-undefined"
	case InvalidAddress:
		return "invalid-address"
	case TypeUnsupported:
		return "type-unsupported"
	case TypeInconsistent:
		return "type-inconsistent"
	case ObjectAttributeInconsistent:
		return "object-attribute-inconsistent"
	case ObjectAccessUnsupported:
		return "object-access-unsupported"
	case ObjectNonExistent:
		return "object-non-existent"
	case ObjectValueInvalid:
		return "object-value-invalid"
	default:
		return fmt.Sprintf("data-access-error(%d)", uint32(c))
	}
}

// DataAccessError wraps a failed AccessResult.
type DataAccessError struct {
	ErrorCode DataAccessErrorCode
}

func (e *DataAccessError) Error() string {
	if e == nil {
		return "<nil>"
	}
	return e.ErrorCode.String()
}

// AccessResult is one element of listOfAccessResult, the CHOICE between a
// DataAccessError failure and a successfully read Data value.
type AccessResult struct {
	Success bool
	Value   *variant.Variant
	Err     *DataAccessError
}

// Data CHOICE tags (ISO/IEC 9506-2 §6.2, context-specific, primitive unless noted).
const (
	dataTagBoolean       byte = 0x83
	dataTagBitString     byte = 0x84
	dataTagInteger       byte = 0x85
	dataTagFloatingPoint byte = 0x87
	dataTagOctetString   byte = 0x89
	dataTagVisibleString byte = 0x8A
	dataTagUTCTime       byte = 0x91
)

// ReadRequest builds the single-variable Read-Request this client issues:
// variableAccessSpecification is always a one-element listOfVariable naming
// a domain-specific object.
type ReadRequest struct {
	InvokeID uint32
	DomainID string
	ItemID   string
}

func NewReadRequest(invokeID uint32, domainID, itemID string) *ReadRequest {
	return &ReadRequest{InvokeID: invokeID, DomainID: domainID, ItemID: itemID}
}

// Bytes BER-encodes the confirmed-RequestPDU carrying this Read-Request.
func (r *ReadRequest) Bytes() []byte {
	name := encodeObjectName(r.DomainID, r.ItemID)

	variableSpec := make([]byte, 8+len(name))
	pos := ber.EncodeTL(0xA0, uint32(len(name)), variableSpec, 0)
	copy(variableSpec[pos:], name)
	variableSpec = variableSpec[:pos+len(name)]

	listOfVariable := make([]byte, 8+len(variableSpec))
	pos = ber.EncodeTL(0x30, uint32(len(variableSpec)), listOfVariable, 0)
	copy(listOfVariable[pos:], variableSpec)
	listOfVariable = listOfVariable[:pos+len(variableSpec)]

	variableAccessSpec := make([]byte, 8+len(listOfVariable))
	pos = ber.EncodeTL(0xA0, uint32(len(listOfVariable)), variableAccessSpec, 0)
	copy(variableAccessSpec[pos:], listOfVariable)
	variableAccessSpec = variableAccessSpec[:pos+len(listOfVariable)]

	readRequest := make([]byte, 8+len(variableAccessSpec))
	pos = ber.EncodeTL(serviceRead, uint32(len(variableAccessSpec)), readRequest, 0)
	copy(readRequest[pos:], variableAccessSpec)
	readRequest = readRequest[:pos+len(variableAccessSpec)]

	return encodeConfirmedRequest(r.InvokeID, readRequest)
}

// ReadResponse is the decoded Read-Response (one AccessResult per requested
// variable; this client always requests one).
type ReadResponse struct {
	InvokeID           uint32
	ListOfAccessResult []AccessResult
}

// ParseReadResponse decodes a confirmed-ResponsePDU carrying a Read-Response.
func ParseReadResponse(buffer []byte) (*ReadResponse, error) {
	content, err := decodeConfirmedEnvelope(buffer)
	if err != nil {
		return nil, err
	}

	resp := &ReadResponse{}
	bufPos, maxBufPos := 0, len(content)
	for bufPos < maxBufPos {
		tag := content[bufPos]
		bufPos++
		newPos, length, err := ber.DecodeLength(content, bufPos, maxBufPos)
		if err != nil {
			return nil, fmt.Errorf("mms: decode read response field 0x%02x: %w", tag, err)
		}
		bufPos = newPos
		if bufPos+length > maxBufPos {
			return nil, fmt.Errorf("mms: read response field 0x%02x exceeds buffer", tag)
		}

		switch tag {
		case 0x02:
			resp.InvokeID = ber.DecodeUint32(content, length, bufPos)
		case serviceRead:
			results, err := parseListOfAccessResult(content[bufPos : bufPos+length])
			if err != nil {
				return nil, err
			}
			resp.ListOfAccessResult = results
		}
		bufPos += length
	}
	if resp.ListOfAccessResult == nil {
		return nil, errors.New("mms: read response carries no access results")
	}
	return resp, nil
}

// parseListOfAccessResult parses the read-response SEQUENCE, which wraps a
// SEQUENCE OF AccessResult under a context-1 Read tag.
func parseListOfAccessResult(buffer []byte) ([]AccessResult, error) {
	bufPos, maxBufPos := 0, len(buffer)
	if bufPos < maxBufPos && buffer[bufPos] == byte(0xA1) {
		bufPos++
		newPos, length, err := ber.DecodeLength(buffer, bufPos, maxBufPos)
		if err != nil {
			return nil, fmt.Errorf("mms: decode Read-Response length: %w", err)
		}
		bufPos = newPos
		maxBufPos = bufPos + length
	}

	var results []AccessResult
	for bufPos < maxBufPos {
		tag := buffer[bufPos]
		bufPos++
		newPos, length, err := ber.DecodeLength(buffer, bufPos, maxBufPos)
		if err != nil {
			return nil, fmt.Errorf("mms: decode access result 0x%02x: %w", tag, err)
		}
		bufPos = newPos
		if bufPos+length > maxBufPos {
			return nil, fmt.Errorf("mms: access result 0x%02x exceeds buffer", tag)
		}

		if tag == byte(0x30) {
			nested, err := parseListOfAccessResult(buffer[bufPos : bufPos+length])
			if err != nil {
				return nil, err
			}
			results = append(results, nested...)
			bufPos += length
			continue
		}

		result, err := parseAccessResult(tag, buffer[bufPos:bufPos+length])
		if err != nil {
			return nil, err
		}
		results = append(results, result)
		bufPos += length
	}
	return results, nil
}

func parseAccessResult(tag byte, data []byte) (AccessResult, error) {
	if tag == 0x80 {
		return AccessResult{
			Success: false,
			Err:     &DataAccessError{ErrorCode: DataAccessErrorCode(ber.DecodeUint32(data, len(data), 0))},
		}, nil
	}

	value, err := decodeDataValue(tag, data)
	if err != nil {
		return AccessResult{}, err
	}
	return AccessResult{Success: true, Value: value}, nil
}
