package cotp

import (
	"fmt"

	"github.com/mms61850/stack/xerrors"
)

// Exported TPDU type codes, for callers that want to branch on COTP.Type
// directly (e.g. a passive Accept loop or a protocol analyzer).
const (
	COTPTypeConnectionRequest byte = codeCR
	COTPTypeConnectionConfirm byte = codeCC
	COTPTypeDisconnectRequest byte = codeDR
	COTPTypeDisconnectConfirm byte = codeDC
	COTPTypeData              byte = codeDT
	COTPTypeReject            byte = codeER
)

// COTP is a decoded class-0 TPDU. Not every field is populated for every
// Type: DstTSAP/SrcTSAP/TpduSize only appear on CR/CC, IsLastDataUnit only
// on DT, Reason only on DR/ER.
type COTP struct {
	Length byte
	Type   byte

	DestRef uint16
	SrcRef  uint16

	Class               byte
	ExtendedFormats     bool
	NoExplicitFlowCtrl  bool
	ProtocolClass       byte
	TpduSize            byte
	DstTSAP             []byte
	SrcTSAP             []byte

	Flags          byte
	IsLastDataUnit bool

	Reason byte

	Data []byte
}

// ParseCOTP decodes a single COTP TPDU (the payload already stripped of its
// TPKT header) per ISO 8073 class 0.
func ParseCOTP(data []byte) (*COTP, error) {
	if len(data) < 2 {
		return nil, fmt.Errorf("cotp: TPDU shorter than length indicator: %d bytes", len(data))
	}

	li := data[0]
	if int(li)+1 > len(data) {
		return nil, fmt.Errorf("cotp: length indicator %d exceeds frame size %d", li, len(data))
	}

	c := &COTP{Length: li, Type: data[1]}

	switch c.Type {
	case codeCR, codeCC:
		if len(data) < 7 {
			return nil, fmt.Errorf("cotp: CR/CC shorter than fixed part")
		}
		c.DestRef = uint16(data[2])<<8 | uint16(data[3])
		c.SrcRef = uint16(data[4])<<8 | uint16(data[5])
		c.ProtocolClass = data[6]
		c.Class = c.ProtocolClass >> 4
		c.ExtendedFormats = c.ProtocolClass&0x02 != 0
		c.NoExplicitFlowCtrl = c.ProtocolClass&0x01 != 0

		pos := 7
		end := int(li) + 1
		for pos < end {
			if pos+2 > end {
				break
			}
			paramCode := data[pos]
			paramLen := int(data[pos+1])
			pos += 2
			if pos+paramLen > end {
				return nil, fmt.Errorf("cotp: variable parameter overruns TPDU")
			}
			value := data[pos : pos+paramLen]
			switch paramCode {
			case paramTPDUSize:
				if paramLen == 1 {
					c.TpduSize = value[0]
				}
			case paramCalledTSAP:
				c.DstTSAP = value
			case paramCallingTSAP:
				c.SrcTSAP = value
			}
			pos += paramLen
		}
		c.Data = data[int(li)+1:]

	case codeDT:
		if len(data) < 3 {
			return nil, fmt.Errorf("cotp: DT shorter than fixed part")
		}
		c.Flags = data[2]
		c.IsLastDataUnit = c.Flags&eotFlag != 0
		c.Data = data[3:]

	case codeDR:
		if len(data) < 7 {
			return nil, fmt.Errorf("cotp: DR shorter than fixed part")
		}
		c.DestRef = uint16(data[2])<<8 | uint16(data[3])
		c.SrcRef = uint16(data[4])<<8 | uint16(data[5])
		c.Reason = data[6]
		c.Data = data[7:]

	case codeDC:
		if len(data) < 6 {
			return nil, fmt.Errorf("cotp: DC shorter than fixed part")
		}
		c.DestRef = uint16(data[2])<<8 | uint16(data[3])
		c.SrcRef = uint16(data[4])<<8 | uint16(data[5])

	case codeER:
		if len(data) < 4 {
			return nil, fmt.Errorf("cotp: ER shorter than fixed part")
		}
		c.DestRef = uint16(data[2])<<8 | uint16(data[3])
		c.Reason = data[4]

	default:
		return nil, xerrors.NewProtocolError("cotp", fmt.Errorf("unknown TPDU code 0x%02x", c.Type))
	}

	return c, nil
}

func (c *COTP) negotiatedTPDUSize() int {
	if c.TpduSize == 0 {
		return 0
	}
	return 1 << c.TpduSize
}
