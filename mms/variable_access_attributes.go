package mms

import (
	"errors"
	"fmt"

	"github.com/mms61850/stack/ber"
)

// GetVariableAccessAttributesRequest asks the server for the TypeDescription
// of a domain-specific named variable, used to discover the structure of an
// object before reading or writing it.
type GetVariableAccessAttributesRequest struct {
	InvokeID uint32
	DomainID string
	ItemID   string
}

func NewGetVariableAccessAttributesRequest(invokeID uint32, domainID, itemID string) *GetVariableAccessAttributesRequest {
	return &GetVariableAccessAttributesRequest{InvokeID: invokeID, DomainID: domainID, ItemID: itemID}
}

// Bytes BER-encodes the confirmed-RequestPDU carrying this request.
func (r *GetVariableAccessAttributesRequest) Bytes() []byte {
	name := encodeObjectName(r.DomainID, r.ItemID)

	nameField := make([]byte, 8+len(name))
	pos := ber.EncodeTL(0xA0, uint32(len(name)), nameField, 0)
	copy(nameField[pos:], name)
	nameField = nameField[:pos+len(name)]

	request := make([]byte, 8+len(nameField))
	pos = ber.EncodeTL(serviceGetVariableAccessAttributes, uint32(len(nameField)), request, 0)
	copy(request[pos:], nameField)
	request = request[:pos+len(nameField)]

	return encodeConfirmedRequest(r.InvokeID, request)
}

// TypeSpecType identifies which TypeSpecification CHOICE alternative a
// value carries (ISO/IEC 9506-2 §6.1).
type TypeSpecType int

const (
	TypeSpecStructure TypeSpecType = iota
	TypeSpecArray
	TypeSpecBoolean
	TypeSpecBitString
	TypeSpecInteger
	TypeSpecUnsigned
	TypeSpecFloatingPoint
	TypeSpecOctetString
	TypeSpecVisibleString
	TypeSpecMMSString
	TypeSpecUTCTime
	TypeSpecBinaryTime
)

func (t TypeSpecType) String() string {
	switch t {
	case TypeSpecStructure:
		return "structure"
	case TypeSpecArray:
		return "array"
	case TypeSpecBoolean:
		return "boolean"
	case TypeSpecBitString:
		return "bit-string"
	case TypeSpecInteger:
		return "integer"
	case TypeSpecUnsigned:
		return "unsigned"
	case TypeSpecFloatingPoint:
		return "floating-point"
	case TypeSpecOctetString:
		return "octet-string"
	case TypeSpecVisibleString:
		return "visible-string"
	case TypeSpecMMSString:
		return "mmsString"
	case TypeSpecUTCTime:
		return "utc-time"
	case TypeSpecBinaryTime:
		return "binary-time"
	default:
		return fmt.Sprintf("type-spec(%d)", int(t))
	}
}

// TypeSpecification describes the structure of a variable, recursively for
// structure and array types.
type TypeSpecification struct {
	Type              TypeSpecType
	Structure         *StructureTypeSpec
	Array             *ArrayTypeSpec
	FloatingPoint     *FloatingPointTypeSpec
	BitStringSize     int
	IntegerSize       int
	UnsignedSize      int
	OctetStringSize   int
	VisibleStringSize int
}

type StructureTypeSpec struct {
	Components []ComponentSpec
}

type ComponentSpec struct {
	Name string
	Type *TypeSpecification
}

type ArrayTypeSpec struct {
	ElementCount int
	ElementType  *TypeSpecification
}

type FloatingPointTypeSpec struct {
	ExponentWidth int
	FormatWidth   int
}

// Type specification CHOICE tags (ISO/IEC 9506-2 §6.1, IMPLICIT).
const (
	typeSpecTagStructure     byte = 0xA2
	typeSpecTagArray         byte = 0xA3
	typeSpecTagBoolean       byte = 0x84
	typeSpecTagBitString     byte = 0x85
	typeSpecTagInteger       byte = 0x86
	typeSpecTagUnsigned      byte = 0x87
	typeSpecTagFloatingPoint byte = 0x88
	typeSpecTagOctetString   byte = 0x89
	typeSpecTagVisibleString byte = 0x8A
	typeSpecTagMMSString     byte = 0x8B
	typeSpecTagUTCTime       byte = 0x8C
	typeSpecTagBinaryTime    byte = 0x8D
)

// VariableAccessAttributesResponse is the decoded
// GetVariableAccessAttributes-Response.
type VariableAccessAttributesResponse struct {
	InvokeID          uint32
	MmsDeletable      bool
	TypeSpecification *TypeSpecification
}

// ParseGetVariableAccessAttributesResponse decodes a confirmed-ResponsePDU
// carrying a GetVariableAccessAttributes-Response.
func ParseGetVariableAccessAttributesResponse(buffer []byte) (*VariableAccessAttributesResponse, error) {
	content, err := decodeConfirmedEnvelope(buffer)
	if err != nil {
		return nil, err
	}

	resp := &VariableAccessAttributesResponse{}
	bufPos, maxBufPos := 0, len(content)
	for bufPos < maxBufPos {
		tag := content[bufPos]
		bufPos++
		newPos, length, err := ber.DecodeLength(content, bufPos, maxBufPos)
		if err != nil {
			return nil, fmt.Errorf("mms: decode getVariableAccessAttributes response field 0x%02x: %w", tag, err)
		}
		bufPos = newPos
		if bufPos+length > maxBufPos {
			return nil, fmt.Errorf("mms: getVariableAccessAttributes response field 0x%02x exceeds buffer", tag)
		}

		switch tag {
		case 0x02:
			resp.InvokeID = ber.DecodeUint32(content, length, bufPos)
		case serviceGetVariableAccessAttributes:
			if err := parseVariableAccessAttributes(content[bufPos:bufPos+length], resp); err != nil {
				return nil, err
			}
		}
		bufPos += length
	}
	if resp.TypeSpecification == nil {
		return nil, errors.New("mms: getVariableAccessAttributes response carries no typeSpecification")
	}
	return resp, nil
}

func parseVariableAccessAttributes(buffer []byte, resp *VariableAccessAttributesResponse) error {
	bufPos, maxBufPos := 0, len(buffer)
	for bufPos < maxBufPos {
		tagStart := bufPos
		tag := buffer[bufPos]
		bufPos++
		newPos, length, err := ber.DecodeLength(buffer, bufPos, maxBufPos)
		if err != nil {
			return fmt.Errorf("mms: decode getVariableAccessAttributes field 0x%02x: %w", tag, err)
		}
		bufPos = newPos
		if bufPos+length > maxBufPos {
			return fmt.Errorf("mms: getVariableAccessAttributes field 0x%02x exceeds buffer", tag)
		}

		switch tag {
		case 0x80:
			resp.MmsDeletable = ber.DecodeBoolean(buffer, bufPos)
		case 0xA1:
			// address, optional and unused.
		default:
			typeSpec, err := parseTypeSpecification(tag, buffer[bufPos:bufPos+length])
			if err != nil {
				return fmt.Errorf("mms: decode typeSpecification at offset %d: %w", tagStart, err)
			}
			resp.TypeSpecification = typeSpec
		}
		bufPos += length
	}
	return nil
}

// parseTypeSpecification decodes a TypeSpecification CHOICE value already
// stripped of its own tag and length, given that tag.
func parseTypeSpecification(tag byte, data []byte) (*TypeSpecification, error) {
	switch tag {
	case typeSpecTagStructure:
		return parseStructureTypeSpec(data)

	case typeSpecTagArray:
		return parseArrayTypeSpec(data)

	case typeSpecTagBoolean:
		return &TypeSpecification{Type: TypeSpecBoolean}, nil

	case typeSpecTagBitString:
		return &TypeSpecification{Type: TypeSpecBitString, BitStringSize: int(ber.DecodeUint32(data, len(data), 0))}, nil

	case typeSpecTagInteger:
		return &TypeSpecification{Type: TypeSpecInteger, IntegerSize: int(ber.DecodeUint32(data, len(data), 0))}, nil

	case typeSpecTagUnsigned:
		return &TypeSpecification{Type: TypeSpecUnsigned, UnsignedSize: int(ber.DecodeUint32(data, len(data), 0))}, nil

	case typeSpecTagFloatingPoint:
		return parseFloatingPointTypeSpec(data)

	case typeSpecTagOctetString:
		return &TypeSpecification{Type: TypeSpecOctetString, OctetStringSize: int(ber.DecodeUint32(data, len(data), 0))}, nil

	case typeSpecTagVisibleString:
		return &TypeSpecification{Type: TypeSpecVisibleString, VisibleStringSize: int(ber.DecodeUint32(data, len(data), 0))}, nil

	case typeSpecTagMMSString:
		return &TypeSpecification{Type: TypeSpecMMSString}, nil

	case typeSpecTagUTCTime:
		return &TypeSpecification{Type: TypeSpecUTCTime}, nil

	case typeSpecTagBinaryTime:
		return &TypeSpecification{Type: TypeSpecBinaryTime}, nil

	default:
		return nil, fmt.Errorf("mms: unsupported typeSpecification tag 0x%02x", tag)
	}
}

// parseStructureTypeSpec decodes structure's SEQUENCE OF SEQUENCE {
// componentName, componentType }.
func parseStructureTypeSpec(buffer []byte) (*TypeSpecification, error) {
	var components []ComponentSpec

	bufPos, maxBufPos := 0, len(buffer)
	for bufPos < maxBufPos {
		tag := buffer[bufPos]
		bufPos++
		newPos, length, err := ber.DecodeLength(buffer, bufPos, maxBufPos)
		if err != nil {
			return nil, fmt.Errorf("mms: decode structure component length: %w", err)
		}
		bufPos = newPos
		if bufPos+length > maxBufPos {
			return nil, errors.New("mms: structure component length exceeds buffer")
		}
		if tag != 0x30 {
			return nil, fmt.Errorf("mms: expected SEQUENCE component, got tag 0x%02x", tag)
		}

		component, err := parseComponent(buffer[bufPos : bufPos+length])
		if err != nil {
			return nil, err
		}
		components = append(components, component)
		bufPos += length
	}

	return &TypeSpecification{Type: TypeSpecStructure, Structure: &StructureTypeSpec{Components: components}}, nil
}

func parseComponent(buffer []byte) (ComponentSpec, error) {
	var component ComponentSpec
	bufPos, maxBufPos := 0, len(buffer)
	for bufPos < maxBufPos {
		tag := buffer[bufPos]
		bufPos++
		newPos, length, err := ber.DecodeLength(buffer, bufPos, maxBufPos)
		if err != nil {
			return ComponentSpec{}, fmt.Errorf("mms: decode component field 0x%02x: %w", tag, err)
		}
		bufPos = newPos
		if bufPos+length > maxBufPos {
			return ComponentSpec{}, fmt.Errorf("mms: component field 0x%02x exceeds buffer", tag)
		}

		if tag == 0x80 {
			component.Name = string(buffer[bufPos : bufPos+length])
		} else {
			typeSpec, err := parseTypeSpecification(tag, buffer[bufPos:bufPos+length])
			if err != nil {
				return ComponentSpec{}, err
			}
			component.Type = typeSpec
		}
		bufPos += length
	}
	return component, nil
}

// parseArrayTypeSpec decodes array's SEQUENCE { numberOfElements, elementType }.
func parseArrayTypeSpec(buffer []byte) (*TypeSpecification, error) {
	var elementCount int
	var elementType *TypeSpecification

	bufPos, maxBufPos := 0, len(buffer)
	for bufPos < maxBufPos {
		tag := buffer[bufPos]
		bufPos++
		newPos, length, err := ber.DecodeLength(buffer, bufPos, maxBufPos)
		if err != nil {
			return nil, fmt.Errorf("mms: decode array field 0x%02x: %w", tag, err)
		}
		bufPos = newPos
		if bufPos+length > maxBufPos {
			return nil, fmt.Errorf("mms: array field 0x%02x exceeds buffer", tag)
		}

		if tag == 0x02 {
			elementCount = int(ber.DecodeUint32(buffer, length, bufPos))
		} else {
			typeSpec, err := parseTypeSpecification(tag, buffer[bufPos:bufPos+length])
			if err != nil {
				return nil, err
			}
			elementType = typeSpec
		}
		bufPos += length
	}

	if elementType == nil {
		return nil, errors.New("mms: array elementType not found")
	}
	return &TypeSpecification{
		Type:  TypeSpecArray,
		Array: &ArrayTypeSpec{ElementCount: elementCount, ElementType: elementType},
	}, nil
}

// parseFloatingPointTypeSpec decodes floating-point's SEQUENCE {
// format-width [0] IMPLICIT Unsigned8, exponent-width [1] IMPLICIT Unsigned8 }.
func parseFloatingPointTypeSpec(buffer []byte) (*TypeSpecification, error) {
	spec := &FloatingPointTypeSpec{}
	bufPos, maxBufPos := 0, len(buffer)
	for bufPos < maxBufPos {
		tag := buffer[bufPos]
		bufPos++
		newPos, length, err := ber.DecodeLength(buffer, bufPos, maxBufPos)
		if err != nil {
			return nil, fmt.Errorf("mms: decode floating-point type spec field 0x%02x: %w", tag, err)
		}
		bufPos = newPos
		if bufPos+length > maxBufPos {
			return nil, fmt.Errorf("mms: floating-point type spec field 0x%02x exceeds buffer", tag)
		}

		switch tag {
		case 0x80:
			spec.FormatWidth = int(ber.DecodeUint32(buffer, length, bufPos))
		case 0x81:
			spec.ExponentWidth = int(ber.DecodeUint32(buffer, length, bufPos))
		}
		bufPos += length
	}
	return &TypeSpecification{Type: TypeSpecFloatingPoint, FloatingPoint: spec}, nil
}
