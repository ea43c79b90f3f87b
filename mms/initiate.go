package mms

import (
	"errors"
	"fmt"

	"golang.org/x/exp/slices"

	"github.com/mms61850/stack/ber"
)

// ServiceSupportedBit is a bit offset into the ServicesSupportedCalling /
// ServicesSupportedCalled bit string (ISO/IEC 9506-1 Annex A, 85 bits).
type ServiceSupportedBit uint

const (
	Status ServiceSupportedBit = iota
	GetNameList
	Identify
	Rename
	Read
	Write
	GetVariableAccessAttributes
	DefineNamedVariable
	DefineScatteredAccess
	GetScatteredAccessAttributes
	DeleteVariableAccess
	DefineNamedVariableList
	GetNamedVariableListAttributes
	DeleteNamedVariableList
	DefineNamedType
	GetNamedTypeAttributes
	DeleteNamedType
	Input
	Output
	TakeControl
	RelinquishControl
	DefineSemaphore
	DeleteSemaphore
	ReportSemaphoreStatus
	ReportPoolSemaphoreStatus
	ReportSemaphoreEntryStatus
	InitiateDownloadSequence
	DownloadSegment
	TerminateDownloadSequence
	InitiateUploadSequence
	UploadSegment
	TerminateUploadSequence
	RequestDomainDownload
	RequestDomainUpload
	LoadDomainContent
	StoreDomainContent
	DeleteDomain
	GetDomainAttributes
	CreateProgramInvocation
	DeleteProgramInvocation
	Start
	Stop
	Resume
	Reset
	Kill
	GetProgramInvocationAttributes
	ObtainFile
	DefineEventCondition
	DeleteEventCondition
	GetEventConditionAttributes
	ReportEventConditionStatus
	AlterEventConditionMonitoring
	TriggerEvent
	DefineEventAction
	DeleteEventAction
	GetEventActionAttributes
	ReportActionStatus
	DefineEventEnrollment
	DeleteEventEnrollment
	AlterEventEnrollment
	ReportEventEnrollmentStatus
	GetEventEnrollmentAttributes
	AcknowledgeEventNotification
	GetAlarmSummary
	GetAlarmEnrollmentSummary
	ReadJournal
	WriteJournal
	InitializeJournal
	ReportJournalStatus
	CreateJournal
	DeleteJournal
	GetCapabilityList
	FileOpen
	FileRead
	FileClose
	FileRename
	FileDelete
	FileDirectory
	UnsolicitedStatus
	InformationReportService
	EventNotification
	AttachToEventCondition
	AttachToSemaphore
	Conclude
	Cancel
)

// ParameterCBBBit is a bit offset into the ProposedParameterCBB /
// NegotiatedParameterCBB bit string (ISO/IEC 9506-1 Annex A, 11 bits).
type ParameterCBBBit uint

const (
	Str1 ParameterCBBBit = iota
	Str2
	Vnam
	Valt
	Vadr
	Vsca
	Tpy
	Vlis
	Real
	spareParameterBit
	Cei
)

const (
	servicesSupportedBitmaskSize = 11
	parameterCBBBitmaskSize      = 2
)

// InitiateRequest carries the parameters of the MMS Initiate request
// service, exchanged once per association to negotiate PDU size, concurrency
// limits and supported services.
type InitiateRequest struct {
	LocalDetailCalling                 uint32
	ProposedMaxServOutstandingCalling  uint32
	ProposedMaxServOutstandingCalled   uint32
	ProposedDataStructureNestingLevel  uint32
	ProposedVersionNumber              uint32
	ProposedParameterCBB               []ParameterCBBBit
	ServicesSupportedCalling           []ServiceSupportedBit
}

type InitiateRequestOption func(*InitiateRequest)

// DefaultInitiateRequest returns the parameters this stack proposes by
// default: a 65000-byte PDU, five outstanding calls in each direction, ten
// levels of data-structure nesting, and the service/parameter set a typical
// IEC 61850 client needs for Read, Write and GetVariableAccessAttributes.
func DefaultInitiateRequest() *InitiateRequest {
	return &InitiateRequest{
		LocalDetailCalling:                 65000,
		ProposedMaxServOutstandingCalling:  5,
		ProposedMaxServOutstandingCalled:   5,
		ProposedDataStructureNestingLevel:  10,
		ProposedVersionNumber:              1,
		ProposedParameterCBB: []ParameterCBBBit{
			Str1, Str2, Vnam, Valt, Vlis,
		},
		ServicesSupportedCalling: []ServiceSupportedBit{
			Status, GetNameList, Identify, Read, Write, GetVariableAccessAttributes,
			DefineNamedVariableList, GetNamedVariableListAttributes, DeleteNamedVariableList,
			GetDomainAttributes, Kill, ReadJournal, WriteJournal, InitializeJournal,
			ReportJournalStatus, GetCapabilityList, FileOpen, FileRead, FileClose, FileDelete,
			FileDirectory, UnsolicitedStatus, InformationReportService, Conclude, Cancel,
		},
	}
}

func WithLocalDetailCalling(size uint32) InitiateRequestOption {
	return func(r *InitiateRequest) { r.LocalDetailCalling = size }
}

func WithProposedVersionNumber(version uint32) InitiateRequestOption {
	return func(r *InitiateRequest) { r.ProposedVersionNumber = version }
}

func WithServicesSupportedCalling(services []ServiceSupportedBit) InitiateRequestOption {
	return func(r *InitiateRequest) { r.ServicesSupportedCalling = services }
}

func WithProposedMaxServOutstandingCalling(n uint32) InitiateRequestOption {
	return func(r *InitiateRequest) { r.ProposedMaxServOutstandingCalling = n }
}

func WithProposedMaxServOutstandingCalled(n uint32) InitiateRequestOption {
	return func(r *InitiateRequest) { r.ProposedMaxServOutstandingCalled = n }
}

// NewInitiateRequest builds an InitiateRequest starting from the defaults,
// applying any options.
func NewInitiateRequest(opts ...InitiateRequestOption) *InitiateRequest {
	r := DefaultInitiateRequest()
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Bytes BER-encodes the InitiateRequestPDU (context-specific 8, constructed).
func (r *InitiateRequest) Bytes() []byte {
	content := r.content()
	out := make([]byte, 8+len(content))
	bufPos := ber.EncodeTL(tagInitiateRequestPDU, uint32(len(content)), out, 0)
	copy(out[bufPos:], content)
	return out[:bufPos+len(content)]
}

func (r *InitiateRequest) content() []byte {
	detail := r.detail()
	buffer := make([]byte, 32+len(detail))
	bufPos := 0
	bufPos = encodeUint32TL(0x80, r.LocalDetailCalling, buffer, bufPos)
	bufPos = encodeUint32TL(0x81, r.ProposedMaxServOutstandingCalling, buffer, bufPos)
	bufPos = encodeUint32TL(0x82, r.ProposedMaxServOutstandingCalled, buffer, bufPos)
	bufPos = encodeUint32TL(0x83, r.ProposedDataStructureNestingLevel, buffer, bufPos)
	copy(buffer[bufPos:], detail)
	bufPos += len(detail)
	return buffer[:bufPos]
}

func (r *InitiateRequest) detail() []byte {
	buffer := make([]byte, 32+parameterCBBBitmaskSize+servicesSupportedBitmaskSize)
	bufPos := 0
	bufPos = encodeUint32TL(0x80, r.ProposedVersionNumber, buffer, bufPos)

	cbb := bitmaskFromBits(r.ProposedParameterCBB, parameterCBBBitmaskSize)
	bufPos = ber.EncodeBitString(0x81, len(cbb)*8-5, cbb, buffer, bufPos)

	services := bitmaskFromBits(r.ServicesSupportedCalling, servicesSupportedBitmaskSize)
	bufPos = ber.EncodeBitString(0x82, len(services)*8-3, services, buffer, bufPos)

	detail := buffer[:bufPos]
	out := make([]byte, 8+len(detail))
	outPos := ber.EncodeTL(0xA4, uint32(len(detail)), out, 0)
	copy(out[outPos:], detail)
	return out[:outPos+len(detail)]
}

// InitiateResponse carries the server's negotiated parameters.
type InitiateResponse struct {
	LocalDetailCalled                   *uint32
	NegotiatedMaxServOutstandingCalling uint32
	NegotiatedMaxServOutstandingCalled  uint32
	NegotiatedDataStructureNestingLevel *uint32
	NegotiatedVersionNumber             uint32
	NegotiatedParameterCBB              []ParameterCBBBit
	ServicesSupportedCalled             []ServiceSupportedBit
}

// Supports reports whether the peer's negotiated service set includes bit,
// so a caller can check a server's capabilities before issuing a request it
// does not support.
func (r *InitiateResponse) Supports(bit ServiceSupportedBit) bool {
	return slices.Contains(r.ServicesSupportedCalled, bit)
}

// ParseInitiateResponse decodes an InitiateResponsePDU (context-specific 9, constructed).
func ParseInitiateResponse(buffer []byte) (*InitiateResponse, error) {
	if len(buffer) == 0 {
		return nil, errors.New("mms: empty initiate response")
	}
	bufPos, maxBufPos := 0, len(buffer)
	if buffer[0] == tagInitiateResponsePDU {
		bufPos = 1
		newPos, length, err := ber.DecodeLength(buffer, bufPos, maxBufPos)
		if err != nil {
			return nil, fmt.Errorf("mms: decode initiate response length: %w", err)
		}
		bufPos = newPos
		maxBufPos = bufPos + length
		if maxBufPos > len(buffer) {
			return nil, errors.New("mms: initiate response length exceeds buffer")
		}
	}

	resp := &InitiateResponse{}
	for bufPos < maxBufPos {
		tag := buffer[bufPos]
		bufPos++
		newPos, length, err := ber.DecodeLength(buffer, bufPos, maxBufPos)
		if err != nil {
			return nil, fmt.Errorf("mms: decode field 0x%02x length: %w", tag, err)
		}
		bufPos = newPos
		if bufPos+length > maxBufPos {
			return nil, fmt.Errorf("mms: field 0x%02x exceeds buffer", tag)
		}

		switch tag {
		case 0x80:
			v := ber.DecodeUint32(buffer, length, bufPos)
			resp.LocalDetailCalled = &v
		case 0x81:
			resp.NegotiatedMaxServOutstandingCalling = ber.DecodeUint32(buffer, length, bufPos)
		case 0x82:
			resp.NegotiatedMaxServOutstandingCalled = ber.DecodeUint32(buffer, length, bufPos)
		case 0x83:
			v := ber.DecodeUint32(buffer, length, bufPos)
			resp.NegotiatedDataStructureNestingLevel = &v
		case 0xA4:
			if err := parseInitiateResponseDetail(buffer[bufPos:bufPos+length], resp); err != nil {
				return nil, err
			}
		}
		bufPos += length
	}
	return resp, nil
}

func parseInitiateResponseDetail(buffer []byte, resp *InitiateResponse) error {
	bufPos, maxBufPos := 0, len(buffer)
	for bufPos < maxBufPos {
		tag := buffer[bufPos]
		bufPos++
		newPos, length, err := ber.DecodeLength(buffer, bufPos, maxBufPos)
		if err != nil {
			return fmt.Errorf("mms: decode initiate response detail field 0x%02x: %w", tag, err)
		}
		bufPos = newPos
		if bufPos+length > maxBufPos {
			return fmt.Errorf("mms: initiate response detail field 0x%02x exceeds buffer", tag)
		}

		switch tag {
		case 0x80:
			resp.NegotiatedVersionNumber = ber.DecodeUint32(buffer, length, bufPos)
		case 0x81:
			if length < 1 {
				return errors.New("mms: negotiatedParameterCBB missing padding byte")
			}
			for _, bit := range bitsFromBitmask(buffer[bufPos+1:bufPos+length], buffer[bufPos]) {
				resp.NegotiatedParameterCBB = append(resp.NegotiatedParameterCBB, ParameterCBBBit(bit))
			}
		case 0x82:
			if length < 1 {
				return errors.New("mms: servicesSupportedCalled missing padding byte")
			}
			for _, bit := range bitsFromBitmask(buffer[bufPos+1:bufPos+length], buffer[bufPos]) {
				resp.ServicesSupportedCalled = append(resp.ServicesSupportedCalled, ServiceSupportedBit(bit))
			}
		}
		bufPos += length
	}
	return nil
}
