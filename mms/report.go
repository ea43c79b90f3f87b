package mms

import (
	"errors"
	"fmt"

	"github.com/mms61850/stack/ber"
)

// unconfirmedServiceInformationReport is the CHOICE tag of
// UnconfirmedService selecting informationReport, collapsed with the
// Unconfirmed-PDU's own SEQUENCE content the same way every other CHOICE in
// this package collapses: context-specific 0 constructed.
const unconfirmedServiceInformationReport byte = 0xA0

// NamedVariable identifies one variable carried by an InformationReport.
type NamedVariable struct {
	DomainID string
	ItemID   string
}

// InformationReport is the decoded payload of an Unconfirmed-PDU reporting
// unsolicited variable values (ISO/IEC 9506-1 §13, unconfirmed service
// informationReport).
type InformationReport struct {
	Variables []NamedVariable
	Results   []AccessResult
}

// ParseInformationReport decodes an Unconfirmed-PDU whose service is
// informationReport. Callers should first confirm ClassifyPDU(buffer) ==
// PDUKindUnconfirmed.
func ParseInformationReport(buffer []byte) (*InformationReport, error) {
	content, err := stripTag(buffer, tagUnconfirmedPDU)
	if err != nil {
		return nil, err
	}

	report := &InformationReport{}
	bufPos, maxBufPos := 0, len(content)
	found := false
	for bufPos < maxBufPos {
		tag := content[bufPos]
		bufPos++
		newPos, length, err := ber.DecodeLength(content, bufPos, maxBufPos)
		if err != nil {
			return nil, fmt.Errorf("mms: decode unconfirmed field 0x%02x: %w", tag, err)
		}
		bufPos = newPos
		if bufPos+length > maxBufPos {
			return nil, fmt.Errorf("mms: unconfirmed field 0x%02x exceeds buffer", tag)
		}

		if tag == unconfirmedServiceInformationReport {
			if err := parseInformationReportBody(content[bufPos:bufPos+length], report); err != nil {
				return nil, err
			}
			found = true
		}
		bufPos += length
	}
	if !found {
		return nil, errors.New("mms: unconfirmed PDU does not carry an informationReport")
	}
	return report, nil
}

// parseInformationReportBody decodes InformationReport ::= SEQUENCE {
// variableAccessSpecification, listOfAccessResult }, reusing the
// listOfVariable shape Read-Request builds and the AccessResult decoder
// Read-Response uses.
func parseInformationReportBody(buffer []byte, report *InformationReport) error {
	bufPos, maxBufPos := 0, len(buffer)
	for bufPos < maxBufPos {
		tag := buffer[bufPos]
		bufPos++
		newPos, length, err := ber.DecodeLength(buffer, bufPos, maxBufPos)
		if err != nil {
			return fmt.Errorf("mms: decode informationReport field 0x%02x: %w", tag, err)
		}
		bufPos = newPos
		if bufPos+length > maxBufPos {
			return fmt.Errorf("mms: informationReport field 0x%02x exceeds buffer", tag)
		}

		switch tag {
		case 0xA0: // variableAccessSpecification: listOfVariable
			variables, err := parseListOfVariable(buffer[bufPos : bufPos+length])
			if err != nil {
				return err
			}
			report.Variables = variables
		case 0x30, 0xA1: // listOfAccessResult, optionally tagged
			results, err := parseListOfAccessResult(buffer[bufPos : bufPos+length])
			if err != nil {
				return err
			}
			report.Results = results
		}
		bufPos += length
	}
	return nil
}

// parseListOfVariable decodes a SEQUENCE OF VariableSpecification, keeping
// only the domain-specific object names this stack produces and expects.
func parseListOfVariable(buffer []byte) ([]NamedVariable, error) {
	bufPos, maxBufPos := 0, len(buffer)
	if bufPos < maxBufPos && buffer[bufPos] == 0x30 {
		bufPos++
		newPos, length, err := ber.DecodeLength(buffer, bufPos, maxBufPos)
		if err != nil {
			return nil, fmt.Errorf("mms: decode listOfVariable length: %w", err)
		}
		bufPos = newPos
		maxBufPos = bufPos + length
	}

	var variables []NamedVariable
	for bufPos < maxBufPos {
		tag := buffer[bufPos]
		bufPos++
		newPos, length, err := ber.DecodeLength(buffer, bufPos, maxBufPos)
		if err != nil {
			return nil, fmt.Errorf("mms: decode variable specification 0x%02x: %w", tag, err)
		}
		bufPos = newPos
		if bufPos+length > maxBufPos {
			return nil, fmt.Errorf("mms: variable specification 0x%02x exceeds buffer", tag)
		}

		if tag == 0xA0 { // name [0] ObjectName
			domainID, itemID, err := decodeObjectName(buffer[bufPos : bufPos+length])
			if err != nil {
				return nil, err
			}
			variables = append(variables, NamedVariable{DomainID: domainID, ItemID: itemID})
		}
		bufPos += length
	}
	return variables, nil
}
