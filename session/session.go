// Package session implements the ISO 8327 session protocol subset this
// stack needs: the CONNECT (CN) / ACCEPT (AC) / REFUSE (RF) handshake SPDUs
// and DATA TRANSFER (DT) framing, layered over COTP. SPDUs are built from a
// nested tree of Parameter Group / Parameter Identifier units; Encode and
// Decode are the generic PGI/PI codec every SPDU builder and parser uses.
package session

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/exp/slices"

	"github.com/mms61850/stack/xerrors"
)

// SPDU type identifiers (the SI octet).
const (
	TypeConnect      byte = 0x0D // CN
	TypeAccept       byte = 0x0E // AC
	TypeRefuse       byte = 0x0C // RF
	TypeDataTransfer byte = 0x01 // DT
	TypeNotFinished  byte = 0x08 // NF: peer declines a Finish request
	TypeFinish       byte = 0x09 // FN: graceful release request
	TypeDisconnect   byte = 0x0A // DN: graceful release confirm
	TypeAbort        byte = 0x19 // AB: abrupt release

	unitMinLen   = 2
	smallUnitMax = 254 // PI/PGI length indicator values above this switch to the extended form
	smallHeader  = 2
	bigHeader    = 4
	bigMarker    = 0xFF
)

// abortTransportDisconnectReason is the fixed Transport Disconnect reason
// this stack sends on an AB SPDU: transport-connection-released |
// user-abort | no-reason, the same fixed flag combination every AB SPDU in
// the reference traffic carries.
const abortTransportDisconnectReason byte = 0x0B

// PI/PGI codes used by the CN/AC/RF handshake. Codes not needed by this
// stack (tokens, serial numbers, extended concatenation) are omitted; a
// decoded SPDU still reports unrecognized parameters via Parameters.
const (
	codeConnectionID      byte = 0x01 // PGI: Connection Identifier
	codeConnectAcceptItem byte = 0x05 // PGI: Connect/Accept Item
	codeUserData          byte = 0xC1 // PGI: User Data
	codeCallingSSUserRef  byte = 0x0A
	codeCalledSSUserRef   byte = 0x09
	codeCommonRef         byte = 0x0B
	codeAddlRefInfo       byte = 0x0C
	codeProtocolOptions   byte = 0x13
	codeTSDUMaxSize       byte = 0x15
	codeVersionNumber     byte = 0x16
	codeSessionUserReq    byte = 0x14
	codeCallingSessionSel byte = 0x33
	codeCalledSessionSel  byte = 0x34
	codeEnclosureItem     byte = 0x19
	codeReasonCode        byte = 0x32
	codeTransportDisc     byte = 0x11

	// Codes this stack never builds or specifically branches on, but that a
	// peer may legitimately send; PGICodeName/PICodeName recognize them by
	// name instead of falling back to Unknown.
	codeUnknown49                     byte = 0x31
	codeDataOverflow                  byte = 0x3C
	codeExtendedUserData              byte = 0xC2
	codeInitialSerialNumber           byte = 0x17
	codeTokenSettingItem              byte = 0x1A
	codeSecondInitialSerialNumber     byte = 0x37
	codeUpperLimitSerialNumber        byte = 0x38
	codeLargeInitialSerialNumber      byte = 0x39
	codeLargeSecondInitialSerialNumber byte = 0x3A
)

var knownPGICodes = []byte{
	codeConnectionID, codeConnectAcceptItem, codeTransportDisc, codeSessionUserReq,
	codeEnclosureItem, codeUnknown49, codeCallingSessionSel, codeCalledSessionSel,
	codeDataOverflow, codeUserData, codeExtendedUserData,
}

var knownPICodes = []byte{
	codeProtocolOptions, codeTSDUMaxSize, codeVersionNumber, codeInitialSerialNumber,
	codeTokenSettingItem, codeReasonCode, codeSecondInitialSerialNumber,
	codeUpperLimitSerialNumber, codeLargeInitialSerialNumber, codeLargeSecondInitialSerialNumber,
}

// PGICodeName names a Parameter Group Identifier code, or reports it as
// Unknown for forward compatibility with codes this stack does not
// interpret.
func PGICodeName(code byte) string {
	if !slices.Contains(knownPGICodes, code) {
		return fmt.Sprintf("Unknown(0x%02x)", code)
	}
	switch code {
	case codeConnectionID:
		return "ConnectionIdentifier"
	case codeConnectAcceptItem:
		return "ConnectAcceptItem"
	case codeTransportDisc:
		return "TransportDisconnect"
	case codeSessionUserReq:
		return "SessionUserRequirements"
	case codeEnclosureItem:
		return "EnclosureItem"
	case codeUnknown49:
		return "Unknown49"
	case codeCallingSessionSel:
		return "CallingSessionSelector"
	case codeCalledSessionSel:
		return "CalledSessionSelector"
	case codeDataOverflow:
		return "DataOverflow"
	case codeUserData:
		return "UserData"
	case codeExtendedUserData:
		return "ExtendedUserData"
	default:
		return fmt.Sprintf("Unknown(0x%02x)", code)
	}
}

// PICodeName names a Parameter Identifier code nested inside a PGI, or
// reports it as Unknown.
func PICodeName(code byte) string {
	if !slices.Contains(knownPICodes, code) {
		return fmt.Sprintf("Unknown(0x%02x)", code)
	}
	switch code {
	case codeProtocolOptions:
		return "ProtocolOptions"
	case codeTSDUMaxSize:
		return "TsduMaximumSize"
	case codeVersionNumber:
		return "VersionNumber"
	case codeInitialSerialNumber:
		return "InitialSerialNumber"
	case codeTokenSettingItem:
		return "TokenSettingItem"
	case codeReasonCode:
		return "ReasonCode"
	case codeSecondInitialSerialNumber:
		return "SecondInitialSerialNumber"
	case codeUpperLimitSerialNumber:
		return "UpperLimitSerialNumber"
	case codeLargeInitialSerialNumber:
		return "LargeInitialSerialNumber"
	case codeLargeSecondInitialSerialNumber:
		return "LargeSecondInitialSerialNumber"
	default:
		return fmt.Sprintf("Unknown(0x%02x)", code)
	}
}

// DuplexFunctionalUnit is the Session User Requirements bit this stack
// always proposes: duplex transmission only.
const DuplexFunctionalUnit uint16 = 0x0002

// VersionNumber2 is the only protocol version this stack proposes or
// accepts (bit pattern for version 2, per ISO 8327 Version Number PI).
const VersionNumber2 byte = 0x02

// Parameter is one decoded PI or PGI unit: its code, and either its raw
// value (PI) or the nested unit bytes (PGI, recurse with Decode).
type Parameter struct {
	Code  byte
	Value []byte
}

// Unit encodes a single PI or PGI: code, length (short or extended form),
// value. A nil value encodes to nil (the parameter is omitted entirely),
// matching the convention every SPDU builder below relies on.
func Unit(code byte, value []byte) []byte {
	if value == nil {
		return nil
	}
	size := len(value)
	if size <= smallUnitMax {
		buf := make([]byte, smallHeader, smallHeader+size)
		buf[0] = code
		buf[1] = byte(size)
		return append(buf, value...)
	}
	buf := make([]byte, bigHeader, bigHeader+size)
	buf[0] = code
	buf[1] = bigMarker
	binary.BigEndian.PutUint16(buf[2:4], uint16(size))
	return append(buf, value...)
}

// Units concatenates any number of encoded PI/PGI units, skipping nils.
func Units(units ...[]byte) []byte {
	var out []byte
	for _, u := range units {
		out = append(out, u...)
	}
	return out
}

// BuildSPDU wraps an already-concatenated parameter area with its SI and LI
// octets, forming a complete SPDU ready to hand to cotp.Connection.Send.
func BuildSPDU(si byte, params []byte) []byte {
	spdu := make([]byte, 2, 2+len(params))
	spdu[0] = si
	spdu[1] = byte(len(params))
	return append(spdu, params...)
}

func paramHeaderLen(buf []byte) int {
	if buf[1] != bigMarker {
		return smallHeader
	}
	return bigHeader
}

func paramValueLen(buf []byte) int {
	if buf[1] != bigMarker {
		return int(buf[1])
	}
	return int(binary.BigEndian.Uint16(buf[2:4]))
}

// Decode parses buf as a flat sequence of PI/PGI units — the parameter area
// of an SPDU, or the value of a PGI unit when called recursively. It does
// not descend into PGI values; call Decode again on a Parameter whose Code
// names a PGI to get its children.
func Decode(buf []byte) ([]Parameter, error) {
	var params []Parameter
	for len(buf) > 0 {
		if len(buf) < unitMinLen {
			return nil, fmt.Errorf("session: trailing %d byte(s), too short for a unit header", len(buf))
		}
		hLen := paramHeaderLen(buf)
		if len(buf) < hLen {
			return nil, fmt.Errorf("session: unit header truncated")
		}
		vLen := paramValueLen(buf)
		if len(buf) < hLen+vLen {
			return nil, fmt.Errorf("session: unit value truncated: want %d, have %d", vLen, len(buf)-hLen)
		}
		params = append(params, Parameter{Code: buf[0], Value: buf[hLen : hLen+vLen]})
		buf = buf[hLen+vLen:]
	}
	return params, nil
}

// Find returns the value of the first parameter with the given code, or nil
// if absent.
func Find(params []Parameter, code byte) []byte {
	for _, p := range params {
		if p.Code == code {
			return p.Value
		}
	}
	return nil
}

// SPDU is a decoded session PDU: its type, the flat top-level parameter
// list, and (for DT) the raw trailing user data that follows the parameter
// area rather than being wrapped in a User Data PGI.
type SPDU struct {
	Type       byte
	Length     int
	Parameters []Parameter
	Data       []byte
}

// ParseSPDU decodes the SI/LI envelope and the top-level parameter area of
// any SPDU this stack handles (CN, AC, RF, DT).
func ParseSPDU(buf []byte) (*SPDU, error) {
	if len(buf) < 2 {
		return nil, xerrors.NewProtocolError("session", fmt.Errorf("SPDU shorter than SI/LI: %d bytes", len(buf)))
	}

	s := &SPDU{Type: buf[0], Length: int(buf[1])}
	if 2+s.Length > len(buf) {
		return nil, xerrors.NewProtocolError("session", fmt.Errorf("LI %d exceeds buffer size %d", s.Length, len(buf)-2))
	}

	params, err := Decode(buf[2 : 2+s.Length])
	if err != nil {
		return nil, xerrors.NewProtocolError("session", err)
	}
	s.Parameters = params
	s.Data = buf[2+s.Length:]
	return s, nil
}

// ConnectParams configures BuildConnectSPDU / BuildAcceptSPDU.
type ConnectParams struct {
	CallingSessionSelector []byte
	CalledSessionSelector  []byte
	SessionRequirement     uint16
	ProtocolOptions        byte
	VersionNumber          byte
	UserData               []byte
}

func encodeUint16(v uint16) []byte {
	return []byte{byte(v >> 8), byte(v)}
}

// BuildConnectSPDU builds a CN SPDU carrying the presentation-layer CP-type
// PDU as its User Data.
func BuildConnectSPDU(p ConnectParams) []byte {
	item := Unit(codeConnectAcceptItem, Units(
		Unit(codeProtocolOptions, []byte{p.ProtocolOptions}),
		Unit(codeVersionNumber, []byte{p.VersionNumber}),
	))
	sur := Unit(codeSessionUserReq, encodeUint16(p.SessionRequirement))
	callingSSEL := Unit(codeCallingSessionSel, p.CallingSessionSelector)
	calledSSEL := Unit(codeCalledSessionSel, p.CalledSessionSelector)
	ud := Unit(codeUserData, p.UserData)

	params := Units(item, sur, callingSSEL, calledSSEL, ud)
	return BuildSPDU(TypeConnect, params)
}

// BuildAcceptSPDU builds an AC SPDU carrying the presentation-layer CPA-type
// PDU as its User Data.
func BuildAcceptSPDU(p ConnectParams) []byte {
	item := Unit(codeConnectAcceptItem, Units(
		Unit(codeProtocolOptions, []byte{p.ProtocolOptions}),
		Unit(codeVersionNumber, []byte{p.VersionNumber}),
	))
	sur := Unit(codeSessionUserReq, encodeUint16(p.SessionRequirement))
	callingSSEL := Unit(codeCallingSessionSel, p.CallingSessionSelector)
	calledSSEL := Unit(codeCalledSessionSel, p.CalledSessionSelector)
	ud := Unit(codeUserData, p.UserData)

	params := Units(item, sur, callingSSEL, calledSSEL, ud)
	return BuildSPDU(TypeAccept, params)
}

// RefuseParams configures BuildRefuseSPDU.
type RefuseParams struct {
	TransportDisconnect byte
	ReasonCode          byte
}

// BuildRefuseSPDU builds an RF SPDU rejecting a CN.
func BuildRefuseSPDU(p RefuseParams) []byte {
	params := Units(
		Unit(codeTransportDisc, []byte{p.TransportDisconnect}),
		Unit(codeReasonCode, []byte{p.ReasonCode}),
	)
	return BuildSPDU(TypeRefuse, params)
}

// BuildDataTransferSPDU builds a DT SPDU. Per ISO 8327 the user data follows
// the parameter area directly rather than being wrapped in a User Data PGI;
// this stack always precedes it with a zero-length Connection Identifier
// unit, the fixed marker real peers emit on every data-transfer SPDU.
func BuildDataTransferSPDU(userData []byte) []byte {
	return append(BuildSPDU(TypeDataTransfer, Unit(codeConnectionID, []byte{})), userData...)
}

// BuildFinishSPDU builds an FN SPDU: a graceful release request, with any
// user data wrapped in the User Data PGI.
func BuildFinishSPDU(userData []byte) []byte {
	return BuildSPDU(TypeFinish, Unit(codeUserData, userData))
}

// BuildDisconnectSPDU builds a DN SPDU: the peer's confirmation of a Finish
// request, shaped identically to FN.
func BuildDisconnectSPDU(userData []byte) []byte {
	return BuildSPDU(TypeDisconnect, Unit(codeUserData, userData))
}

// BuildAbortSPDU builds an AB SPDU: abrupt release, carrying a fixed
// Transport Disconnect reason ahead of any user data.
func BuildAbortSPDU(userData []byte) []byte {
	params := Units(
		Unit(codeTransportDisc, []byte{abortTransportDisconnectReason}),
		Unit(codeUserData, userData),
	)
	return BuildSPDU(TypeAbort, params)
}

// BuildNotFinishedSPDU builds an NF SPDU: an empty parameter area, sent when
// a peer's Finish request cannot be honored.
func BuildNotFinishedSPDU() []byte {
	return BuildSPDU(TypeNotFinished, nil)
}

// FinishUserData extracts the optional user data carried by an FN, DN, or
// AB SPDU.
func FinishUserData(s *SPDU) []byte {
	return Find(s.Parameters, codeUserData)
}

// ConnectUserData extracts the Connect/Accept negotiation fields and nested
// User Data payload from a parsed CN or AC SPDU.
func ConnectUserData(s *SPDU) (ConnectParams, error) {
	if s.Type != TypeConnect && s.Type != TypeAccept {
		return ConnectParams{}, xerrors.NewProtocolError("session", fmt.Errorf("SPDU type 0x%02x is not CN/AC", s.Type))
	}

	var p ConnectParams
	if itemVal := Find(s.Parameters, codeConnectAcceptItem); itemVal != nil {
		itemParams, err := Decode(itemVal)
		if err != nil {
			return p, xerrors.NewProtocolError("session", err)
		}
		if po := Find(itemParams, codeProtocolOptions); len(po) == 1 {
			p.ProtocolOptions = po[0]
		}
		if vn := Find(itemParams, codeVersionNumber); len(vn) == 1 {
			p.VersionNumber = vn[0]
		}
	}
	if sur := Find(s.Parameters, codeSessionUserReq); len(sur) == 2 {
		p.SessionRequirement = binary.BigEndian.Uint16(sur)
	}
	p.CallingSessionSelector = Find(s.Parameters, codeCallingSessionSel)
	p.CalledSessionSelector = Find(s.Parameters, codeCalledSessionSel)
	p.UserData = Find(s.Parameters, codeUserData)

	return p, nil
}
