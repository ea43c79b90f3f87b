// Package acse implements the ISO 8650 association control service
// element: the AARQ/AARE handshake that carries the MMS Initiate
// request/response as opaque user data, plus abort and orderly release.
package acse

import (
	"errors"
	"fmt"
	"strings"

	"github.com/mms61850/stack/ber"
	"github.com/mms61850/stack/xerrors"
)

// ConnectionState is the state of an ACSE connection.
type ConnectionState int

const (
	StateIdle ConnectionState = iota
	StateRequestIndicated
	StateConnected
)

// Indication is the outcome ParseMessage reports to its caller.
type Indication int

const (
	IndicationError Indication = iota
	IndicationAssociate
	IndicationAssociateFailed
	IndicationOK
	IndicationAbort
	IndicationReleaseRequest
	IndicationReleaseResponse
)

// Result codes carried in an AARE's result field.
const (
	ResultAccept          = 0
	ResultRejectPermanent = 1
	ResultRejectTransient = 2
)

// AuthenticationMechanism selects which ACSE authentication scheme, if any,
// an AARQ carries.
type AuthenticationMechanism int

const (
	AuthNone AuthenticationMechanism = iota
	AuthPassword
	AuthCertificate
	AuthTLS
)

// AuthenticationParameter carries the credentials for one AARQ.
type AuthenticationParameter struct {
	Mechanism   AuthenticationMechanism
	Password    []byte
	Certificate []byte
}

// ApplicationReference identifies an ISO application entity.
type ApplicationReference struct {
	APTitle     ber.ItuObjectIdentifier
	AEQualifier int32
}

// Connection tracks the minimal local state ACSE needs across a handshake:
// the indirect reference negotiated for user-information framing, and the
// peer's application reference once parsed from an incoming PDU.
type Connection struct {
	State              ConnectionState
	NextReference      uint32
	UserDataBuffer     []byte
	UserDataBufferSize int
	ApplicationRef     ApplicationReference
}

// NewConnection creates an idle ACSE connection.
func NewConnection() *Connection {
	return &Connection{State: StateIdle}
}

// Application context name and authentication mechanism OIDs this stack
// recognizes.
var (
	appContextNameMms    = []byte{0x28, 0xca, 0x22, 0x02, 0x03} // 1.0.9506.2.3 mms-abstract-syntax-version3
	authMechPasswordOID  = []byte{0x52, 0x03, 0x01}             // 2.2.3.1 id-password
	requirementsAuthentication = []byte{0x80}
)

// IsoConnectionParameters identifies the calling and called application
// entities for an association.
type IsoConnectionParameters struct {
	RemoteAPTitle     []byte
	RemoteAEQualifier int32
	LocalAPTitle      []byte
	LocalAEQualifier  int32
}

// BuildAARQ creates an AARQ carrying payload (the MMS InitiateRequestPDU) as
// user data, negotiating the association described by params.
func BuildAARQ(params IsoConnectionParameters, payload []byte) []byte {
	conn := NewConnection()
	isoParams := &isoConnectionParametersInternal{
		RemoteAPTitle:     params.RemoteAPTitle,
		RemoteAPTitleLen:  len(params.RemoteAPTitle),
		RemoteAEQualifier: params.RemoteAEQualifier,
		LocalAPTitle:      params.LocalAPTitle,
		LocalAPTitleLen:   len(params.LocalAPTitle),
		LocalAEQualifier:  params.LocalAEQualifier,
	}
	return CreateAssociateRequestMessage(conn, isoParams, payload, nil)
}

// isoConnectionParametersInternal mirrors IsoConnectionParameters but keeps
// the explicit length fields CreateAssociateRequestMessage's length
// arithmetic was written against.
type isoConnectionParametersInternal struct {
	RemoteAPTitle     []byte
	RemoteAPTitleLen  int
	RemoteAEQualifier int32
	LocalAPTitle      []byte
	LocalAPTitleLen   int
	LocalAEQualifier  int32
}

// CreateAssociateRequestMessage builds an AARQ PDU.
func CreateAssociateRequestMessage(conn *Connection, isoParams *isoConnectionParametersInternal, payload []byte, authParam *AuthenticationParameter) []byte {
	payloadLength := len(payload)

	contentLength := 0
	contentLength += 9 // application context name

	if isoParams != nil && isoParams.RemoteAPTitleLen > 0 {
		contentLength += 4 + isoParams.RemoteAPTitleLen
		calledAEQualifierLength := determineIntegerEncodedSize(isoParams.RemoteAEQualifier)
		contentLength += 4 + calledAEQualifierLength
	}

	if isoParams != nil && isoParams.LocalAPTitleLen > 0 {
		contentLength += 4 + isoParams.LocalAPTitleLen
		callingAEQualifierLength := determineIntegerEncodedSize(isoParams.LocalAEQualifier)
		contentLength += 4 + callingAEQualifierLength
	}

	if authParam != nil {
		contentLength += 4 // sender ACSE requirements
		contentLength += 5 // mechanism name

		if authParam.Mechanism == AuthPassword {
			passwordLength := len(authParam.Password)
			authValueStringLength := ber.DetermineLengthSize(uint32(passwordLength))
			contentLength += 2 + authValueStringLength + passwordLength

			authValueLength := ber.DetermineLengthSize(uint32(passwordLength + authValueStringLength + 1))
			contentLength += authValueLength
		} else {
			contentLength += 2
		}
	}

	userInfoLength := 0
	userInfoLength += payloadLength
	userInfoLength += 1
	userInfoLength += ber.DetermineLengthSize(uint32(payloadLength))

	userInfoLength += 1 // indirect reference tag
	userInfoLength += 2 // indirect reference length + value

	assocDataLength := userInfoLength
	userInfoLength += ber.DetermineLengthSize(uint32(assocDataLength))
	userInfoLength += 1

	userInfoLen := userInfoLength
	userInfoLength += ber.DetermineLengthSize(uint32(userInfoLength))
	userInfoLength += 1

	contentLength += userInfoLength

	bufferSize := contentLength + 20
	buffer := make([]byte, bufferSize)
	bufPos := 0

	bufPos = ber.EncodeTL(byte(ber.Application0Constructed), uint32(contentLength), buffer, bufPos)

	bufPos = ber.EncodeTL(byte(ber.ContextSpecific1Constructed), 7, buffer, bufPos)
	bufPos = ber.EncodeTL(byte(ber.ObjectIdentifier), 5, buffer, bufPos)
	copy(buffer[bufPos:], appContextNameMms)
	bufPos += 5

	if isoParams != nil && isoParams.RemoteAPTitleLen > 0 {
		calledAPTitleLength := isoParams.RemoteAPTitleLen + 2
		bufPos = ber.EncodeTL(byte(ber.ContextSpecific2Constructed), uint32(calledAPTitleLength), buffer, bufPos)
		bufPos = ber.EncodeTL(byte(ber.ObjectIdentifier), uint32(isoParams.RemoteAPTitleLen), buffer, bufPos)
		copy(buffer[bufPos:], isoParams.RemoteAPTitle)
		bufPos += isoParams.RemoteAPTitleLen

		calledAEQualifierLength := determineIntegerEncodedSize(isoParams.RemoteAEQualifier)
		bufPos = ber.EncodeTL(byte(ber.ContextSpecific3Constructed), uint32(calledAEQualifierLength+2), buffer, bufPos)
		bufPos = ber.EncodeTL(byte(ber.Integer), uint32(calledAEQualifierLength), buffer, bufPos)
		bufPos = encodeInteger(isoParams.RemoteAEQualifier, buffer, bufPos)
	}

	if isoParams != nil && isoParams.LocalAPTitleLen > 0 {
		callingAPTitleLength := isoParams.LocalAPTitleLen + 2
		bufPos = ber.EncodeTL(byte(ber.ContextSpecific6Constructed), uint32(callingAPTitleLength), buffer, bufPos)
		bufPos = ber.EncodeTL(byte(ber.ObjectIdentifier), uint32(isoParams.LocalAPTitleLen), buffer, bufPos)
		copy(buffer[bufPos:], isoParams.LocalAPTitle)
		bufPos += isoParams.LocalAPTitleLen

		callingAEQualifierLength := determineIntegerEncodedSize(isoParams.LocalAEQualifier)
		bufPos = ber.EncodeTL(byte(ber.ContextSpecific7Constructed), uint32(callingAEQualifierLength+2), buffer, bufPos)
		bufPos = ber.EncodeTL(byte(ber.Integer), uint32(callingAEQualifierLength), buffer, bufPos)
		bufPos = encodeInteger(isoParams.LocalAEQualifier, buffer, bufPos)
	}

	if authParam != nil {
		bufPos = ber.EncodeTL(byte(ber.ContextSpecific10Primitive), 2, buffer, bufPos)
		buffer[bufPos] = 0x04
		bufPos++

		if authParam.Mechanism == AuthPassword {
			buffer[bufPos] = requirementsAuthentication[0]
			bufPos++

			bufPos = ber.EncodeTL(byte(ber.ContextSpecific11Primitive), 3, buffer, bufPos)
			copy(buffer[bufPos:], authMechPasswordOID)
			bufPos += 3

			passwordLength := len(authParam.Password)
			authValueStringLength := ber.DetermineLengthSize(uint32(passwordLength))
			authValueLength := passwordLength + authValueStringLength + 1
			bufPos = ber.EncodeTL(byte(ber.ContextSpecific12Constructed), uint32(authValueLength), buffer, bufPos)
			bufPos = ber.EncodeTL(byte(ber.ContextSpecific0Primitive), uint32(passwordLength), buffer, bufPos)
			copy(buffer[bufPos:], authParam.Password)
			bufPos += passwordLength
		} else {
			buffer[bufPos] = 0
			bufPos++
		}
	}

	bufPos = ber.EncodeTL(byte(ber.ContextSpecific30Constructed), uint32(userInfoLen), buffer, bufPos)
	bufPos = ber.EncodeTL(byte(ber.ExternalConstructed), uint32(assocDataLength), buffer, bufPos)

	bufPos = ber.EncodeTL(byte(ber.Integer), 1, buffer, bufPos)
	buffer[bufPos] = 3
	bufPos++

	bufPos = ber.EncodeTL(byte(ber.ContextSpecific0Constructed), uint32(payloadLength), buffer, bufPos)

	buffer = append(buffer[:bufPos], payload...)
	bufPos += len(payload)

	return buffer[:bufPos]
}

// ParseMessage decodes the ACSE message type and, for AARQ/AARE, the user
// information carried inside it.
func ParseMessage(conn *Connection, message []byte) (Indication, error) {
	if len(message) < 1 {
		return IndicationError, errors.New("invalid message - no payload")
	}

	bufPos := 0
	messageType := message[bufPos]
	bufPos++

	newPos, _, err := ber.DecodeLength(message, bufPos, len(message))
	if err != nil {
		return IndicationError, fmt.Errorf("invalid ACSE message: %w", err)
	}
	bufPos = newPos

	switch messageType {
	case 0x60:
		return parseAarqPdu(conn, message, bufPos, len(message))
	case 0x61:
		return parseAarePdu(conn, message, bufPos, len(message))
	case 0x62:
		return IndicationReleaseRequest, nil
	case 0x63:
		return IndicationReleaseResponse, nil
	case 0x64:
		return IndicationAbort, nil
	case 0x00:
		return IndicationError, errors.New("indefinite length end tag")
	default:
		return IndicationError, fmt.Errorf("unknown ACSE message type: 0x%02x", messageType)
	}
}

func parseAarqPdu(conn *Connection, buffer []byte, bufPos, maxBufPos int) (Indication, error) {
	userInfoValid := false

	for bufPos < maxBufPos {
		tag := buffer[bufPos]
		bufPos++

		newPos, length, err := ber.DecodeLength(buffer, bufPos, maxBufPos)
		if err != nil {
			return IndicationAssociateFailed, fmt.Errorf("invalid PDU: %w", err)
		}
		bufPos = newPos

		if length == 0 {
			continue
		}
		if bufPos+length > maxBufPos {
			return IndicationAssociateFailed, errors.New("invalid PDU: buffer overflow")
		}

		switch tag {
		case 0xa1, 0xa2, 0xa3, 0x8a, 0x8b:
			bufPos += length

		case 0xa6: // calling AP title
			if bufPos < maxBufPos && buffer[bufPos] == 0x06 {
				if bufPos+1 < maxBufPos {
					innerLength := int(buffer[bufPos+1])
					if innerLength == length-2 {
						ber.DecodeOID(buffer, bufPos+2, innerLength, &conn.ApplicationRef.APTitle)
					}
				}
			}
			bufPos += length

		case 0xa7: // calling AE qualifier
			if bufPos < maxBufPos && buffer[bufPos] == 0x02 {
				if bufPos+1 < maxBufPos {
					innerLength := int(buffer[bufPos+1])
					if innerLength == length-2 {
						conn.ApplicationRef.AEQualifier = ber.DecodeInt32(buffer, innerLength, bufPos+2)
					}
				}
			}
			bufPos += length

		case 0xac: // authentication value
			bufPos++
			newPos, length, err := ber.DecodeLength(buffer, bufPos, maxBufPos)
			if err != nil {
				return IndicationAssociateFailed, fmt.Errorf("invalid PDU: %w", err)
			}
			bufPos = newPos + length

		case 0xbe:
			if bufPos < maxBufPos && buffer[bufPos] != 0x28 {
				bufPos += length
			} else {
				bufPos++
				newPos, length, err := ber.DecodeLength(buffer, bufPos, maxBufPos)
				if err != nil {
					return IndicationAssociateFailed, fmt.Errorf("invalid PDU: %w", err)
				}
				bufPos = newPos

				var parseErr error
				bufPos, parseErr = parseUserInformation(conn, buffer, bufPos, bufPos+length, &userInfoValid)
				if parseErr != nil {
					return IndicationAssociateFailed, fmt.Errorf("invalid PDU: %w", parseErr)
				}
			}

		case 0x00:
			break

		default:
			bufPos += length
		}
	}

	if !userInfoValid {
		return IndicationAssociateFailed, errors.New("user info invalid")
	}
	return IndicationAssociate, nil
}

func parseAarePdu(conn *Connection, buffer []byte, bufPos, maxBufPos int) (Indication, error) {
	userInfoValid := false
	result := uint32(99)

	for bufPos < maxBufPos {
		tag := buffer[bufPos]
		bufPos++

		newPos, length, err := ber.DecodeLength(buffer, bufPos, maxBufPos)
		if err != nil {
			return IndicationError, fmt.Errorf("invalid PDU: %w", err)
		}
		bufPos = newPos

		if length == 0 {
			continue
		}
		if bufPos+length > maxBufPos {
			return IndicationError, errors.New("invalid PDU: buffer overflow")
		}

		switch tag {
		case 0xa1, 0xa3:
			bufPos += length

		case 0xa2: // result
			bufPos++
			newPos, length, err := ber.DecodeLength(buffer, bufPos, maxBufPos)
			if err != nil {
				return IndicationError, fmt.Errorf("invalid PDU: %w", err)
			}
			bufPos = newPos

			result = ber.DecodeUint32(buffer, length, bufPos)
			bufPos += length

		case 0xbe:
			if bufPos < maxBufPos && buffer[bufPos] != 0x28 {
				bufPos += length
			} else {
				bufPos++
				newPos, length, err := ber.DecodeLength(buffer, bufPos, maxBufPos)
				if err != nil {
					return IndicationError, fmt.Errorf("invalid PDU: %w", err)
				}
				bufPos = newPos

				var parseErr error
				bufPos, parseErr = parseUserInformation(conn, buffer, bufPos, bufPos+length, &userInfoValid)
				if parseErr != nil {
					return IndicationError, fmt.Errorf("invalid PDU: %w", parseErr)
				}
			}

		case 0x00:
			break

		default:
			bufPos += length
		}
	}

	if !userInfoValid {
		return IndicationError, errors.New("user info invalid")
	}
	if result != 0 {
		return IndicationAssociateFailed, nil
	}
	return IndicationAssociate, nil
}

func parseUserInformation(conn *Connection, buffer []byte, bufPos, maxBufPos int, userInfoValid *bool) (int, error) {
	hasIndirectReference := false
	isDataValid := false

	for bufPos < maxBufPos {
		tag := buffer[bufPos]
		bufPos++

		newPos, length, err := ber.DecodeLength(buffer, bufPos, maxBufPos)
		if err != nil {
			*userInfoValid = false
			return -1, err
		}
		bufPos = newPos

		if length == 0 {
			continue
		}
		if bufPos < 0 || bufPos+length > maxBufPos {
			*userInfoValid = false
			return -1, errors.New("buffer overflow")
		}

		switch tag {
		case 0x02: // indirect-reference
			conn.NextReference = ber.DecodeUint32(buffer, length, bufPos)
			bufPos += length
			hasIndirectReference = true

		case 0xa0: // encoding: single-ASN1-type
			isDataValid = true
			conn.UserDataBufferSize = length
			conn.UserDataBuffer = buffer[bufPos : bufPos+length]
			bufPos += length

		default:
			bufPos += length
		}
	}

	*userInfoValid = hasIndirectReference && isDataValid
	return bufPos, nil
}

// CreateAssociateResponseMessage builds an AARE PDU carrying payload (the
// MMS InitiateResponsePDU) with the given result code.
func CreateAssociateResponseMessage(conn *Connection, acseResult uint8, payload []byte) []byte {
	appContextLength := 9
	resultLength := 5
	resultDiagnosticLength := 5

	fixedContentLength := appContextLength + resultLength + resultDiagnosticLength

	variableContentLength := 0
	payloadLength := len(payload)

	variableContentLength += payloadLength
	variableContentLength += 1
	variableContentLength += ber.DetermineLengthSize(uint32(payloadLength))

	nextRefLength := ber.UInt32DetermineEncodedSize(conn.NextReference)
	variableContentLength += nextRefLength
	variableContentLength += 2

	assocDataLength := variableContentLength
	variableContentLength += ber.DetermineLengthSize(uint32(assocDataLength))
	variableContentLength += 1

	userInfoLength := variableContentLength
	variableContentLength += ber.DetermineLengthSize(uint32(userInfoLength))
	variableContentLength += 1

	variableContentLength += 2

	contentLength := fixedContentLength + variableContentLength

	buffer := make([]byte, contentLength+10)
	bufPos := 0

	bufPos = ber.EncodeTL(0x61, uint32(contentLength), buffer, bufPos)

	bufPos = ber.EncodeTL(0xa1, 7, buffer, bufPos)
	bufPos = ber.EncodeTL(0x06, 5, buffer, bufPos)
	copy(buffer[bufPos:], appContextNameMms)
	bufPos += 5

	bufPos = ber.EncodeTL(0xa2, 3, buffer, bufPos)
	bufPos = ber.EncodeTL(0x02, 1, buffer, bufPos)
	buffer[bufPos] = acseResult
	bufPos++

	bufPos = ber.EncodeTL(0xa3, 5, buffer, bufPos)
	bufPos = ber.EncodeTL(0xa1, 3, buffer, bufPos)
	bufPos = ber.EncodeTL(0x02, 1, buffer, bufPos)
	buffer[bufPos] = 0
	bufPos++

	bufPos = ber.EncodeTL(0xbe, uint32(userInfoLength), buffer, bufPos)
	bufPos = ber.EncodeTL(0x28, uint32(assocDataLength), buffer, bufPos)

	bufPos = ber.EncodeTL(0x02, uint32(nextRefLength), buffer, bufPos)
	bufPos = ber.EncodeUInt32(conn.NextReference, buffer, bufPos)

	bufPos = ber.EncodeTL(0xa0, uint32(payloadLength), buffer, bufPos)

	buffer = append(buffer[:bufPos], payload...)
	bufPos += len(payload)

	return buffer[:bufPos]
}

// CreateAssociateFailedMessage builds an AARE rejecting the association
// permanently.
func CreateAssociateFailedMessage(conn *Connection, payload []byte) []byte {
	return CreateAssociateResponseMessage(conn, ResultRejectPermanent, payload)
}

// CreateAbortMessage builds an ABRT PDU. isProvider distinguishes an abort
// initiated by this stack's own ACSE provider from one relaying a user
// abort request.
func CreateAbortMessage(conn *Connection, isProvider bool) []byte {
	buffer := make([]byte, 5)
	buffer[0] = 0x64
	buffer[1] = 3
	buffer[2] = 0x80
	buffer[3] = 1
	if isProvider {
		buffer[4] = 1
	} else {
		buffer[4] = 0
	}
	return buffer
}

// CreateReleaseRequestMessage builds an RLRQ PDU (normal release reason).
func CreateReleaseRequestMessage(conn *Connection) []byte {
	return []byte{0x62, 3, 0x80, 1, 0}
}

// CreateReleaseResponseMessage builds an RLRE PDU.
func CreateReleaseResponseMessage(conn *Connection) []byte {
	return []byte{0x63, 0}
}

func determineIntegerEncodedSize(value int32) int {
	if value >= 0 && value < 128 {
		return 1
	}
	if value < 0 && value >= -128 {
		return 1
	}
	return ber.Int32DetermineEncodedSize(value)
}

func encodeInteger(value int32, buffer []byte, bufPos int) int {
	if value >= 0 && value < 128 {
		buffer[bufPos] = byte(value)
		return bufPos + 1
	}
	if value < 0 && value >= -128 {
		buffer[bufPos] = byte(value)
		return bufPos + 1
	}
	return ber.EncodeInt32(value, buffer, bufPos)
}

// ACSEPDUType is the APPLICATION tag identifying an ACSE PDU.
type ACSEPDUType uint8

const (
	AARQ ACSEPDUType = 0x60
	AARE ACSEPDUType = 0x61
	RLRQ ACSEPDUType = 0x62
	RLRE ACSEPDUType = 0x63
	ABRT ACSEPDUType = 0x64
)

// ACSEPDU is a decoded ACSE PDU, detailed enough for logging and for
// AARE diagnostics.
type ACSEPDU struct {
	Type                   ACSEPDUType
	ApplicationContextName []byte
	Result                 uint32
	ResultSourceDiagnostic uint32
	IndirectReference      uint32
	Encoding               uint8
	Data                   []byte
}

// ParseACSEPDU decodes any ACSE PDU this stack receives.
func ParseACSEPDU(data []byte) (*ACSEPDU, error) {
	if len(data) < 1 {
		return nil, errors.New("ACSE PDU too short: need at least 1 byte")
	}

	pdu := &ACSEPDU{}
	bufPos := 0
	messageType := data[bufPos]
	bufPos++

	newPos, _, err := ber.DecodeLength(data, bufPos, len(data))
	if err != nil {
		return nil, fmt.Errorf("invalid ACSE message: %w", err)
	}
	bufPos = newPos
	maxBufPos := len(data)

	pduType := ACSEPDUType(messageType)
	switch pduType {
	case AARQ:
		pdu.Type = AARQ
		return parseAarqPduForLogging(pdu, data, bufPos, maxBufPos)
	case AARE:
		pdu.Type = AARE
		return parseAarePduForLogging(pdu, data, bufPos, maxBufPos)
	case RLRQ:
		pdu.Type = RLRQ
		return pdu, nil
	case RLRE:
		pdu.Type = RLRE
		return pdu, nil
	case ABRT:
		pdu.Type = ABRT
		return pdu, nil
	default:
		return nil, fmt.Errorf("unknown ACSE message type: 0x%02x", messageType)
	}
}

func parseAarePduForLogging(pdu *ACSEPDU, buffer []byte, bufPos, maxBufPos int) (*ACSEPDU, error) {
	userInfoValid := false
	result := uint32(99)

	for bufPos < maxBufPos {
		tag := buffer[bufPos]
		bufPos++

		newPos, length, err := ber.DecodeLength(buffer, bufPos, maxBufPos)
		if err != nil {
			return nil, fmt.Errorf("invalid PDU: %w", err)
		}
		bufPos = newPos

		if length == 0 {
			continue
		}
		if bufPos+length > maxBufPos {
			return nil, errors.New("invalid PDU: buffer overflow")
		}

		switch tag {
		case 0xa1:
			if length > 0 && bufPos+length <= maxBufPos && buffer[bufPos] == 0x06 {
				bufPos++
				if bufPos < maxBufPos {
					oidLength := int(buffer[bufPos])
					bufPos++
					if oidLength > 0 && bufPos+oidLength <= maxBufPos {
						pdu.ApplicationContextName = append([]byte{}, buffer[bufPos:bufPos+oidLength]...)
						bufPos += oidLength
						continue
					}
				}
			}
			bufPos += length

		case 0xa2:
			bufPos++
			newPos, length, err := ber.DecodeLength(buffer, bufPos, maxBufPos)
			if err != nil {
				return nil, fmt.Errorf("invalid PDU: %w", err)
			}
			bufPos = newPos
			result = ber.DecodeUint32(buffer, length, bufPos)
			pdu.Result = result
			bufPos += length

		case 0xa3: // result source diagnostic: service-user(0xa1)=1, service-provider(0xa2)=2
			if bufPos < maxBufPos {
				diagTag := buffer[bufPos]
				bufPos++
				newPos, diagLength, err := ber.DecodeLength(buffer, bufPos, maxBufPos)
				if err == nil {
					bufPos = newPos
					switch diagTag {
					case 0xa1:
						pdu.ResultSourceDiagnostic = 1
					case 0xa2:
						pdu.ResultSourceDiagnostic = 2
					}
					bufPos += diagLength
				} else {
					bufPos += length - 1
				}
			} else {
				bufPos += length
			}

		case 0xbe:
			if bufPos < maxBufPos && buffer[bufPos] != 0x28 {
				bufPos += length
			} else {
				bufPos++
				newPos, length, err := ber.DecodeLength(buffer, bufPos, maxBufPos)
				if err != nil {
					return nil, fmt.Errorf("invalid PDU: %w", err)
				}
				bufPos = newPos
				var ok bool
				bufPos, ok = parseUserInformationForLogging(pdu, buffer, bufPos, bufPos+length, maxBufPos)
				userInfoValid = userInfoValid || ok
			}

		case 0x00:
			break

		default:
			bufPos += length
		}
	}

	if !userInfoValid {
		return nil, errors.New("user info invalid")
	}
	return pdu, nil
}

func parseAarqPduForLogging(pdu *ACSEPDU, buffer []byte, bufPos, maxBufPos int) (*ACSEPDU, error) {
	userInfoValid := false

	for bufPos < maxBufPos {
		tag := buffer[bufPos]
		bufPos++

		newPos, length, err := ber.DecodeLength(buffer, bufPos, maxBufPos)
		if err != nil {
			return nil, fmt.Errorf("invalid PDU: %w", err)
		}
		bufPos = newPos

		if length == 0 {
			continue
		}
		if bufPos+length > maxBufPos {
			return nil, errors.New("invalid PDU: buffer overflow")
		}

		switch tag {
		case 0xa1:
			if length > 0 && bufPos+length <= maxBufPos && buffer[bufPos] == 0x06 {
				bufPos++
				if bufPos < maxBufPos {
					oidLength := int(buffer[bufPos])
					bufPos++
					if oidLength > 0 && bufPos+oidLength <= maxBufPos {
						pdu.ApplicationContextName = append([]byte{}, buffer[bufPos:bufPos+oidLength]...)
						bufPos += oidLength
						continue
					}
				}
			}
			bufPos += length

		case 0xa2, 0xa3, 0xa6, 0xa7, 0x8a, 0x8b, 0xac:
			bufPos += length

		case 0xbe:
			if bufPos < maxBufPos && buffer[bufPos] != 0x28 {
				bufPos += length
			} else {
				bufPos++
				newPos, length, err := ber.DecodeLength(buffer, bufPos, maxBufPos)
				if err != nil {
					return nil, fmt.Errorf("invalid PDU: %w", err)
				}
				bufPos = newPos
				var ok bool
				bufPos, ok = parseUserInformationForLogging(pdu, buffer, bufPos, bufPos+length, maxBufPos)
				userInfoValid = userInfoValid || ok
			}

		case 0x00:
			break

		default:
			bufPos += length
		}
	}

	if !userInfoValid {
		return nil, errors.New("user info invalid")
	}
	return pdu, nil
}

func parseUserInformationForLogging(pdu *ACSEPDU, buffer []byte, bufPos, userInfoEnd, maxBufPos int) (int, bool) {
	valid := false
	for bufPos < userInfoEnd && bufPos < maxBufPos {
		userTag := buffer[bufPos]
		bufPos++
		if bufPos >= maxBufPos {
			break
		}

		newPos, userLength, err := ber.DecodeLength(buffer, bufPos, maxBufPos)
		if err != nil {
			break
		}
		bufPos = newPos

		switch userTag {
		case 0x02:
			pdu.IndirectReference = ber.DecodeUint32(buffer, userLength, bufPos)
			bufPos += userLength
			valid = true

		case 0xa0:
			pdu.Encoding = 0
			if bufPos+userLength <= maxBufPos {
				pdu.Data = append([]byte{}, buffer[bufPos:bufPos+userLength]...)
				bufPos += userLength
				valid = true
			} else {
				bufPos += userLength
			}

		default:
			bufPos += userLength
		}
	}
	return bufPos, valid
}

// ParseAARE decodes an AARE and reports a rejection as a
// *xerrors.NegotiationError carrying the result-source-diagnostic.
func ParseAARE(data []byte) (*ACSEPDU, error) {
	pdu, err := ParseACSEPDU(data)
	if err != nil {
		return nil, xerrors.NewProtocolError("acse", err)
	}
	if pdu.Type != AARE {
		return nil, xerrors.NewProtocolError("acse", fmt.Errorf("expected AARE, got %s", pdu.String()))
	}
	if pdu.Result != ResultAccept {
		diag := "service-provider"
		if pdu.ResultSourceDiagnostic == 1 {
			diag = "service-user"
		}
		return pdu, xerrors.NewNegotiationError("acse", fmt.Sprintf("association rejected: result=%d, diagnostic=%s", pdu.Result, diag), nil)
	}
	return pdu, nil
}

// String implements fmt.Stringer for ACSEPDU, mainly for debug logging.
func (p *ACSEPDU) String() string {
	var builder strings.Builder

	typeStr := ""
	switch p.Type {
	case AARQ:
		typeStr = "AARQ"
	case AARE:
		typeStr = "AARE"
	case RLRQ:
		typeStr = "RLRQ"
	case RLRE:
		typeStr = "RLRE"
	case ABRT:
		typeStr = "ABRT"
	default:
		typeStr = fmt.Sprintf("Unknown(0x%02x)", uint8(p.Type))
	}

	builder.WriteString("ACSEPDU{Type: ")
	builder.WriteString(typeStr)
	fmt.Fprintf(&builder, " (0x%02x)", uint8(p.Type))

	if len(p.ApplicationContextName) > 0 {
		builder.WriteString(", ApplicationContextName: ")
		builder.WriteString(formatOID(p.ApplicationContextName))
	}

	if p.Type == AARE {
		resultStr := ""
		switch p.Result {
		case 0:
			resultStr = "accepted"
		case 1:
			resultStr = "reject-permanent"
		case 2:
			resultStr = "reject-transient"
		default:
			resultStr = fmt.Sprintf("unknown(%d)", p.Result)
		}
		fmt.Fprintf(&builder, ", Result: %d (%s)", p.Result, resultStr)

		if p.ResultSourceDiagnostic != 0 {
			diagStr := fmt.Sprintf("%d", p.ResultSourceDiagnostic)
			if p.ResultSourceDiagnostic == 1 {
				diagStr = "service-user (1)"
			}
			fmt.Fprintf(&builder, ", ResultSourceDiagnostic: %s", diagStr)
		}
	}

	if p.IndirectReference != 0 {
		fmt.Fprintf(&builder, ", IndirectReference: %d", p.IndirectReference)
	}
	if p.Encoding == 0 {
		fmt.Fprintf(&builder, ", Encoding: %d (single-ASN1-type)", p.Encoding)
	}
	fmt.Fprintf(&builder, ", DataLength: %d}", len(p.Data))

	return builder.String()
}

func formatOID(oid []byte) string {
	if len(oid) == 0 {
		return "[]"
	}
	if len(oid) == 5 && oid[0] == 0x28 && oid[1] == 0xca && oid[2] == 0x22 && oid[3] == 0x02 && oid[4] == 0x03 {
		return "1.0.9506.2.3 (MMS)"
	}
	if len(oid) == 4 && oid[0] == 0x52 && oid[1] == 0x01 && oid[2] == 0x00 && oid[3] == 0x01 {
		return "2.2.1.0.1 (id-as-acse)"
	}
	var parts []string
	for _, b := range oid {
		parts = append(parts, fmt.Sprintf("%02x", b))
	}
	return fmt.Sprintf("[%s]", strings.Join(parts, " "))
}
