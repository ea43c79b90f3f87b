// Package presentation implements the ISO 8823 presentation-layer subset
// this stack needs: the CP-type / CPA-PPDU connection handshake carrying
// ACSE as its user data, and the abstract/transfer syntax negotiation for
// the ACSE and MMS presentation contexts.
package presentation

import (
	"fmt"

	"github.com/mms61850/stack/ber"
	"github.com/mms61850/stack/xerrors"
)

// Well-known presentation context identifiers this stack negotiates.
const (
	AcseContextID byte = 1
	MmsContextID  byte = 3
)

// Well-known abstract/transfer syntax object identifiers.
const (
	AcseAbstractSyntax = "2.2.1.0.1"    // id-as-acse
	MmsAbstractSyntax  = "1.0.9506.2.1" // mms-abstract-syntax-version1
	BasicEncodingRules = "2.1.1"        // basic-encoding
)

const (
	ppduTag                 byte = 0x31 // CP-type and CPA-PPDU are both ASN.1 SET, universal tag 17 constructed
	tagModeSelector          byte = 0xA0
	tagModeValue             byte = 0x80
	tagNormalModeParams      byte = 0xA2
	tagCallingSelector       byte = 0x81
	tagCalledSelector        byte = 0x82
	tagRespondingSelector    byte = 0x83
	tagContextDefList        byte = 0xA4
	tagContextResultList     byte = 0xA5
	tagUserData              byte = 0x61
	tagFullyEncodedData      byte = 0x30
	tagPresentationContextID byte = 0x02
	tagPDVSingleASN1         byte = 0xA0
	tagContextID             byte = 0x02
	tagAbstractSyntax        byte = 0x06
	tagTransferSyntaxList    byte = 0x30
	tagTransferSyntax        byte = 0x06
	tagContextResult         byte = 0x80
	tagResultTransferSyntax  byte = 0x81

	modeValueNormal = 1
	contextAccepted = 0
)

func encodeLength(n int) []byte {
	buf := make([]byte, 4)
	end := ber.EncodeLength(uint32(n), buf, 0)
	return buf[:end]
}

func tlv(tag byte, value []byte) []byte {
	return append(append([]byte{tag}, encodeLength(len(value))...), value...)
}

func encodeOID(oid string) []byte {
	buf := make([]byte, 32)
	n, err := ber.EncodeOIDToBuffer(oid, buf, len(buf))
	if err != nil {
		panic(fmt.Sprintf("presentation: invalid built-in OID %q: %v", oid, err))
	}
	return buf[:n]
}

func decodeOID(value []byte) string {
	var oid ber.ItuObjectIdentifier
	ber.DecodeOID(value, 0, len(value), &oid)
	s := fmt.Sprintf("%d.%d", oid.Arc[0], oid.Arc[1])
	for i := 2; i < oid.ArcCount; i++ {
		s += fmt.Sprintf(".%d", oid.Arc[i])
	}
	return s
}

// ContextDefinition proposes one presentation context in a CP-type.
type ContextDefinition struct {
	ID             byte
	AbstractSyntax string // dotted OID
	TransferSyntax string // dotted OID, BasicEncodingRules for every context this stack proposes
}

// ConnectRequest configures BuildCPType.
type ConnectRequest struct {
	CallingSelector []byte
	CalledSelector  []byte
	Contexts        []ContextDefinition
	UserData        []byte // the ACSE AARQ APDU
}

// BuildCPType builds a CP-type PPDU: the presentation connect request.
func BuildCPType(r ConnectRequest) []byte {
	var contextItems []byte
	for _, c := range r.Contexts {
		item := append([]byte{}, tlv(tagContextID, []byte{c.ID})...)
		item = append(item, tlv(tagAbstractSyntax, encodeOID(c.AbstractSyntax))...)
		item = append(item, tlv(tagTransferSyntaxList, tlv(tagTransferSyntax, encodeOID(c.TransferSyntax)))...)
		contextItems = append(contextItems, tlv(tagFullyEncodedData, item)...)
	}

	userData := tlv(tagPresentationContextID, []byte{AcseContextID})
	userData = append(userData, tlv(tagPDVSingleASN1, r.UserData)...)
	fullyEncoded := tlv(tagFullyEncodedData, userData)

	normalModeParams := tlv(tagCallingSelector, r.CallingSelector)
	normalModeParams = append(normalModeParams, tlv(tagCalledSelector, r.CalledSelector)...)
	normalModeParams = append(normalModeParams, tlv(tagContextDefList, contextItems)...)
	normalModeParams = append(normalModeParams, tlv(tagUserData, fullyEncoded)...)

	body := tlv(tagModeSelector, tlv(tagModeValue, []byte{modeValueNormal}))
	body = append(body, tlv(tagNormalModeParams, normalModeParams)...)

	return tlv(ppduTag, body)
}

// ContextResult is one accepted (or rejected) presentation context from a
// CPA-PPDU's presentation-context-definition-result-list.
type ContextResult struct {
	Result         byte // 0 = accepted
	TransferSyntax string
}

// ConnectAccept is the decoded form of a CPA-PPDU.
type ConnectAccept struct {
	RespondingSelector    []byte
	Results               []ContextResult
	PresentationContextID byte // which negotiated context wraps UserData
	UserData              []byte
}

// ParseCPAType decodes a CPA-PPDU, extracting the ACSE AARE bytes carried as
// user data and the outcome of each proposed presentation context.
func ParseCPAType(data []byte) (*ConnectAccept, error) {
	if len(data) < 2 || data[0] != ppduTag {
		return nil, xerrors.NewProtocolError("presentation", fmt.Errorf("expected CPA-PPDU tag 0x%02x, got 0x%02x", ppduTag, safeByte(data, 0)))
	}
	body, err := tlvValue(data, 0)
	if err != nil {
		return nil, xerrors.NewProtocolError("presentation", err)
	}

	acc := &ConnectAccept{}
	pos := 0
	for pos < len(body) {
		tag := body[pos]
		value, n, err := readTLV(body, pos)
		if err != nil {
			return nil, xerrors.NewProtocolError("presentation", err)
		}
		pos += n

		switch tag {
		case tagNormalModeParams:
			body, pos = value, 0
		case tagRespondingSelector:
			acc.RespondingSelector = value
		case tagContextResultList:
			results, err := decodeContextResults(value)
			if err != nil {
				return nil, xerrors.NewProtocolError("presentation", err)
			}
			acc.Results = results
		case tagUserData:
			ctxID, userData, err := decodeUserData(value)
			if err != nil {
				return nil, xerrors.NewProtocolError("presentation", err)
			}
			acc.PresentationContextID = ctxID
			acc.UserData = userData
		}
	}
	return acc, nil
}

func decodeContextResults(value []byte) ([]ContextResult, error) {
	var results []ContextResult
	pos := 0
	for pos < len(value) {
		item, n, err := readTLV(value, pos)
		if err != nil {
			return nil, err
		}
		pos += n

		var r ContextResult
		ipos := 0
		for ipos < len(item) {
			tag := item[ipos]
			v, in, err := readTLV(item, ipos)
			if err != nil {
				return nil, err
			}
			ipos += in
			switch tag {
			case tagContextResult:
				if len(v) == 1 {
					r.Result = v[0]
				}
			case tagResultTransferSyntax:
				r.TransferSyntax = decodeOID(v)
			}
		}
		results = append(results, r)
	}
	return results, nil
}

func decodeUserData(value []byte) (byte, []byte, error) {
	fullyEncoded, _, err := readTLV(value, 0)
	if err != nil {
		return 0, nil, err
	}

	var ctxID byte
	var data []byte
	pos := 0
	for pos < len(fullyEncoded) {
		tag := fullyEncoded[pos]
		v, n, err := readTLV(fullyEncoded, pos)
		if err != nil {
			return 0, nil, err
		}
		pos += n
		switch tag {
		case tagPresentationContextID:
			if len(v) == 1 {
				ctxID = v[0]
			}
		case tagPDVSingleASN1:
			data = v
		}
	}
	return ctxID, data, nil
}

// ConnectAcceptParams configures BuildCPAType, the server-role counterpart
// to ParseCPAType.
type ConnectAcceptParams struct {
	RespondingSelector    []byte
	Results               []ContextResult
	PresentationContextID byte
	UserData              []byte // the ACSE AARE APDU
}

// BuildCPAType builds a CPA-PPDU accepting a presentation connection.
func BuildCPAType(p ConnectAcceptParams) []byte {
	var resultItems []byte
	for _, r := range p.Results {
		item := tlv(tagContextResult, []byte{r.Result})
		item = append(item, tlv(tagResultTransferSyntax, encodeOID(r.TransferSyntax))...)
		resultItems = append(resultItems, tlv(tagFullyEncodedData, item)...)
	}

	userData := tlv(tagPresentationContextID, []byte{p.PresentationContextID})
	userData = append(userData, tlv(tagPDVSingleASN1, p.UserData)...)
	fullyEncoded := tlv(tagFullyEncodedData, userData)

	normalModeParams := tlv(tagRespondingSelector, p.RespondingSelector)
	normalModeParams = append(normalModeParams, tlv(tagContextResultList, resultItems)...)
	normalModeParams = append(normalModeParams, tlv(tagUserData, fullyEncoded)...)

	body := tlv(tagModeSelector, tlv(tagModeValue, []byte{modeValueNormal}))
	body = append(body, tlv(tagNormalModeParams, normalModeParams)...)

	return tlv(ppduTag, body)
}

// BuildUserData encodes one data-phase user-data item: a fully-encoded-data
// element tagging payload with the negotiated presentation context id. This
// is what the session layer's DT SPDU carries as its user data once the
// connection has passed the CP/CPA handshake.
func BuildUserData(contextID byte, payload []byte) []byte {
	item := tlv(tagPresentationContextID, []byte{contextID})
	item = append(item, tlv(tagPDVSingleASN1, payload)...)
	return tlv(tagFullyEncodedData, item)
}

// ParseUserData decodes a data-phase user-data item built by BuildUserData,
// returning the presentation context id it was tagged with and the payload.
func ParseUserData(data []byte) (contextID byte, payload []byte, err error) {
	return decodeUserData(data)
}

// ParseCPType decodes a CP-type PPDU, the server-role counterpart to
// BuildCPType.
func ParseCPType(data []byte) (*ConnectRequest, error) {
	if len(data) < 2 || data[0] != ppduTag {
		return nil, xerrors.NewProtocolError("presentation", fmt.Errorf("expected CP-type tag 0x%02x, got 0x%02x", ppduTag, safeByte(data, 0)))
	}
	body, err := tlvValue(data, 0)
	if err != nil {
		return nil, xerrors.NewProtocolError("presentation", err)
	}

	req := &ConnectRequest{}
	pos := 0
	for pos < len(body) {
		tag := body[pos]
		value, n, err := readTLV(body, pos)
		if err != nil {
			return nil, xerrors.NewProtocolError("presentation", err)
		}
		pos += n

		switch tag {
		case tagNormalModeParams:
			body, pos = value, 0
		case tagCallingSelector:
			req.CallingSelector = value
		case tagCalledSelector:
			req.CalledSelector = value
		case tagContextDefList:
			contexts, err := decodeContextDefinitions(value)
			if err != nil {
				return nil, xerrors.NewProtocolError("presentation", err)
			}
			req.Contexts = contexts
		case tagUserData:
			_, userData, err := decodeUserData(value)
			if err != nil {
				return nil, xerrors.NewProtocolError("presentation", err)
			}
			req.UserData = userData
		}
	}
	return req, nil
}

func decodeContextDefinitions(value []byte) ([]ContextDefinition, error) {
	var contexts []ContextDefinition
	pos := 0
	for pos < len(value) {
		item, n, err := readTLV(value, pos)
		if err != nil {
			return nil, err
		}
		pos += n

		var c ContextDefinition
		ipos := 0
		for ipos < len(item) {
			tag := item[ipos]
			v, in, err := readTLV(item, ipos)
			if err != nil {
				return nil, err
			}
			ipos += in
			switch tag {
			case tagContextID:
				if len(v) == 1 {
					c.ID = v[0]
				}
			case tagAbstractSyntax:
				c.AbstractSyntax = decodeOID(v)
			case tagTransferSyntaxList:
				if tsv, _, err := readTLV(v, 0); err == nil {
					c.TransferSyntax = decodeOID(tsv)
				}
			}
		}
		contexts = append(contexts, c)
	}
	return contexts, nil
}

// readTLV reads one tag-length-value starting at pos and returns its value
// and the number of bytes consumed (tag + length + value).
func readTLV(buf []byte, pos int) ([]byte, int, error) {
	if pos >= len(buf) {
		return nil, 0, fmt.Errorf("presentation: TLV read past end of buffer")
	}
	newPos, length, err := ber.DecodeLength(buf, pos+1, len(buf))
	if err != nil {
		return nil, 0, fmt.Errorf("presentation: decoding length: %w", err)
	}
	if newPos+length > len(buf) {
		return nil, 0, fmt.Errorf("presentation: value overruns buffer")
	}
	return buf[newPos : newPos+length], (newPos + length) - pos, nil
}

func tlvValue(buf []byte, pos int) ([]byte, error) {
	v, _, err := readTLV(buf, pos)
	return v, err
}

func safeByte(buf []byte, i int) byte {
	if i >= len(buf) {
		return 0
	}
	return buf[i]
}
