package mms

import (
	"errors"
	"fmt"

	"github.com/mms61850/stack/ber"
)

// PDUKind classifies an incoming MMS-PDU by its outer CHOICE tag, the first
// step of the dispatcher's demultiplexing (confirmed response/error vs.
// unconfirmed report vs. reject vs. conclude).
type PDUKind int

const (
	PDUKindConfirmedResponse PDUKind = iota
	PDUKindConfirmedError
	PDUKindUnconfirmed
	PDUKindReject
	PDUKindConcludeRequest
	PDUKindConcludeResponse
	PDUKindUnknown
)

func (k PDUKind) String() string {
	switch k {
	case PDUKindConfirmedResponse:
		return "confirmed-response"
	case PDUKindConfirmedError:
		return "confirmed-error"
	case PDUKindUnconfirmed:
		return "unconfirmed"
	case PDUKindReject:
		return "reject"
	case PDUKindConcludeRequest:
		return "conclude-request"
	case PDUKindConcludeResponse:
		return "conclude-response"
	default:
		return "unknown"
	}
}

// ClassifyPDU inspects the outer tag of an MMS-PDU without decoding it, so
// the dispatcher can route it to the right parser.
func ClassifyPDU(buffer []byte) PDUKind {
	if len(buffer) == 0 {
		return PDUKindUnknown
	}
	switch buffer[0] {
	case tagConfirmedResponsePDU:
		return PDUKindConfirmedResponse
	case tagConfirmedErrorPDU:
		return PDUKindConfirmedError
	case tagUnconfirmedPDU:
		return PDUKindUnconfirmed
	case tagRejectPDU:
		return PDUKindReject
	case tagConcludeRequestPDU:
		return PDUKindConcludeRequest
	case tagConcludeResponsePDU:
		return PDUKindConcludeResponse
	default:
		return PDUKindUnknown
	}
}

// ConfirmedErrorPDU is the decoded Confirmed-ErrorPDU: the invokeID of the
// rejected request plus its ServiceError, flattened to the error category
// tag (errorClass) and the integer value carried by that category.
type ConfirmedErrorPDU struct {
	InvokeID   uint32
	ErrorClass uint32
	ErrorCode  uint32
}

// ParseConfirmedErrorPDU decodes a Confirmed-ErrorPDU
// (invokeID, serviceError).
func ParseConfirmedErrorPDU(buffer []byte) (*ConfirmedErrorPDU, error) {
	content, err := stripTag(buffer, tagConfirmedErrorPDU)
	if err != nil {
		return nil, err
	}

	pdu := &ConfirmedErrorPDU{}
	bufPos, maxBufPos := 0, len(content)
	for bufPos < maxBufPos {
		tag := content[bufPos]
		bufPos++
		newPos, length, err := ber.DecodeLength(content, bufPos, maxBufPos)
		if err != nil {
			return nil, fmt.Errorf("mms: decode confirmed-error field 0x%02x: %w", tag, err)
		}
		bufPos = newPos
		if bufPos+length > maxBufPos {
			return nil, fmt.Errorf("mms: confirmed-error field 0x%02x exceeds buffer", tag)
		}

		switch tag {
		case 0x02:
			pdu.InvokeID = ber.DecodeUint32(content, length, bufPos)
		case 0x30:
			if err := parseServiceError(content[bufPos:bufPos+length], pdu); err != nil {
				return nil, err
			}
		}
		bufPos += length
	}
	return pdu, nil
}

// parseServiceError decodes ServiceError ::= SEQUENCE { errorClass [0]
// CHOICE {...}, additionalCode [1] INTEGER OPTIONAL, ... }. IMPLICIT tagging
// collapses errorClass's CHOICE tag into its selected alternative's own
// tag, so the category number is the low 5 bits of that tag.
func parseServiceError(buffer []byte, pdu *ConfirmedErrorPDU) error {
	bufPos, maxBufPos := 0, len(buffer)
	if bufPos >= maxBufPos {
		return errors.New("mms: serviceError carries no errorClass")
	}
	tag := buffer[bufPos]
	bufPos++
	newPos, length, err := ber.DecodeLength(buffer, bufPos, maxBufPos)
	if err != nil {
		return fmt.Errorf("mms: decode errorClass: %w", err)
	}
	pdu.ErrorClass = uint32(tag & 0x1F)
	pdu.ErrorCode = ber.DecodeUint32(buffer, length, newPos)
	return nil
}

// RejectPDU is the decoded RejectPDU: the originalInvokeId of the rejected
// message (absent for PDUs rejected before an invokeId could be read) and
// the rejection reason's raw tag and value.
type RejectPDU struct {
	InvokeID    *uint32
	ReasonTag   byte
	ReasonValue []byte
}

// ParseRejectPDU decodes a RejectPDU.
func ParseRejectPDU(buffer []byte) (*RejectPDU, error) {
	content, err := stripTag(buffer, tagRejectPDU)
	if err != nil {
		return nil, err
	}

	pdu := &RejectPDU{}
	bufPos, maxBufPos := 0, len(content)
	for bufPos < maxBufPos {
		tag := content[bufPos]
		bufPos++
		newPos, length, err := ber.DecodeLength(content, bufPos, maxBufPos)
		if err != nil {
			return nil, fmt.Errorf("mms: decode reject field 0x%02x: %w", tag, err)
		}
		bufPos = newPos
		if bufPos+length > maxBufPos {
			return nil, fmt.Errorf("mms: reject field 0x%02x exceeds buffer", tag)
		}

		if tag == 0x80 {
			v := ber.DecodeUint32(content, length, bufPos)
			pdu.InvokeID = &v
		} else {
			pdu.ReasonTag = tag
			pdu.ReasonValue = append([]byte(nil), content[bufPos:bufPos+length]...)
		}
		bufPos += length
	}
	return pdu, nil
}

// ConcludeRequestBytes and ConcludeResponseBytes are the empty Conclude
// PDUs exchanged during orderly MMS shutdown.
var (
	ConcludeRequestBytes  = []byte{tagConcludeRequestPDU, 0x00}
	ConcludeResponseBytes = []byte{tagConcludeResponsePDU, 0x00}
)
