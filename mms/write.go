package mms

import (
	"errors"
	"fmt"

	"github.com/mms61850/stack/ber"
	"github.com/mms61850/stack/mms/variant"
)

// WriteRequest writes a single domain-specific variable. Unlike Read, the
// success case carries no data back, only an empty NULL.
type WriteRequest struct {
	InvokeID uint32
	DomainID string
	ItemID   string
	Value    *variant.Variant
}

func NewWriteRequest(invokeID uint32, domainID, itemID string, value *variant.Variant) *WriteRequest {
	return &WriteRequest{InvokeID: invokeID, DomainID: domainID, ItemID: itemID, Value: value}
}

// Bytes BER-encodes the confirmed-RequestPDU carrying this Write-Request:
// variableAccessSpecification (shaped exactly like Read's) followed by a
// one-element listOfData.
func (r *WriteRequest) Bytes() ([]byte, error) {
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

	dataValue, err := encodeDataValue(r.Value)
	if err != nil {
		return nil, err
	}
	// listOfData [1] SEQUENCE OF Data: a Write-Request field of its own,
	// tagged context-specific 1 constructed rather than universal SEQUENCE.
	listOfData := make([]byte, 8+len(dataValue))
	pos = ber.EncodeTL(0xA1, uint32(len(dataValue)), listOfData, 0)
	copy(listOfData[pos:], dataValue)
	listOfData = listOfData[:pos+len(dataValue)]

	content := make([]byte, len(variableAccessSpec)+len(listOfData))
	n := copy(content, variableAccessSpec)
	copy(content[n:], listOfData)

	writeRequest := make([]byte, 8+len(content))
	pos = ber.EncodeTL(serviceWrite, uint32(len(content)), writeRequest, 0)
	copy(writeRequest[pos:], content)
	writeRequest = writeRequest[:pos+len(content)]

	return encodeConfirmedRequest(r.InvokeID, writeRequest), nil
}

// WriteResult is one element of listOfAccessResult in a Write-Response: the
// CHOICE between a DataAccessError failure and an empty NULL success.
type WriteResult struct {
	Success bool
	Err     *DataAccessError
}

// WriteResponse is the decoded Write-Response. This client always writes
// one variable, so Results carries a single element.
type WriteResponse struct {
	InvokeID uint32
	Results  []WriteResult
}

const writeResultSuccessTag byte = 0x81

// ParseWriteResponse decodes a confirmed-ResponsePDU carrying a Write-Response.
func ParseWriteResponse(buffer []byte) (*WriteResponse, error) {
	content, err := decodeConfirmedEnvelope(buffer)
	if err != nil {
		return nil, err
	}

	resp := &WriteResponse{}
	bufPos, maxBufPos := 0, len(content)
	for bufPos < maxBufPos {
		tag := content[bufPos]
		bufPos++
		newPos, length, err := ber.DecodeLength(content, bufPos, maxBufPos)
		if err != nil {
			return nil, fmt.Errorf("mms: decode write response field 0x%02x: %w", tag, err)
		}
		bufPos = newPos
		if bufPos+length > maxBufPos {
			return nil, fmt.Errorf("mms: write response field 0x%02x exceeds buffer", tag)
		}

		switch tag {
		case 0x02:
			resp.InvokeID = ber.DecodeUint32(content, length, bufPos)
		case serviceWrite:
			results, err := parseListOfWriteResult(content[bufPos : bufPos+length])
			if err != nil {
				return nil, err
			}
			resp.Results = results
		}
		bufPos += length
	}
	if resp.Results == nil {
		return nil, errors.New("mms: write response carries no results")
	}
	return resp, nil
}

func parseListOfWriteResult(buffer []byte) ([]WriteResult, error) {
	bufPos, maxBufPos := 0, len(buffer)
	if bufPos < maxBufPos && buffer[bufPos] == byte(0x30) {
		bufPos++
		newPos, length, err := ber.DecodeLength(buffer, bufPos, maxBufPos)
		if err != nil {
			return nil, fmt.Errorf("mms: decode write result list length: %w", err)
		}
		bufPos = newPos
		maxBufPos = bufPos + length
	}

	var results []WriteResult
	for bufPos < maxBufPos {
		tag := buffer[bufPos]
		bufPos++
		newPos, length, err := ber.DecodeLength(buffer, bufPos, maxBufPos)
		if err != nil {
			return nil, fmt.Errorf("mms: decode write result 0x%02x: %w", tag, err)
		}
		bufPos = newPos
		if bufPos+length > maxBufPos {
			return nil, fmt.Errorf("mms: write result 0x%02x exceeds buffer", tag)
		}

		switch tag {
		case 0x80:
			results = append(results, WriteResult{
				Err: &DataAccessError{ErrorCode: DataAccessErrorCode(ber.DecodeUint32(buffer, length, bufPos))},
			})
		case writeResultSuccessTag:
			results = append(results, WriteResult{Success: true})
		default:
			return nil, fmt.Errorf("mms: unsupported write result tag 0x%02x", tag)
		}
		bufPos += length
	}
	return results, nil
}
