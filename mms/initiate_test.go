package mms

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultInitiateRequestBytes(t *testing.T) {
	req := NewInitiateRequest()
	encoded := req.Bytes()

	require.Equal(t, byte(tagInitiateRequestPDU), encoded[0])
	require.Contains(t, req.ProposedParameterCBB, Str1)
	require.Contains(t, req.ServicesSupportedCalling, Read)
	require.Contains(t, req.ServicesSupportedCalling, Write)
}

func TestWithLocalDetailCallingOverridesDefault(t *testing.T) {
	req := NewInitiateRequest(WithLocalDetailCalling(1000))
	require.Equal(t, uint32(1000), req.LocalDetailCalling)
	require.Equal(t, uint32(5), req.ProposedMaxServOutstandingCalling)
}

// Wireshark-captured InitiateResponsePDU carried inside an AARE: maxServ
// outstanding 5/5, nesting level 10, version 1, CBB bits and services bits
// as accepted by a libiec61850-based server.
const capturedInitiateResponse = "a9 26" +
	" 80 03 00 fd e8 81 01 05 82 01 05 83 01 0a a4 16" +
	" 80 01 01 81 03 05 f1 00 82 0c 03 ee 1c 00 00 00 02 00 00 40 ed 18"

func TestParseInitiateResponseFromCapture(t *testing.T) {
	resp, err := ParseInitiateResponse(hexBytes(t, capturedInitiateResponse))
	require.NoError(t, err)

	require.NotNil(t, resp.LocalDetailCalled)
	require.Equal(t, uint32(65000), *resp.LocalDetailCalled)
	require.Equal(t, uint32(5), resp.NegotiatedMaxServOutstandingCalling)
	require.Equal(t, uint32(5), resp.NegotiatedMaxServOutstandingCalled)
	require.NotNil(t, resp.NegotiatedDataStructureNestingLevel)
	require.Equal(t, uint32(10), *resp.NegotiatedDataStructureNestingLevel)
	require.Equal(t, uint32(1), resp.NegotiatedVersionNumber)
	require.Contains(t, resp.NegotiatedParameterCBB, Str1)
	require.Contains(t, resp.ServicesSupportedCalled, Read)
}

func TestInitiateRequestRoundTripsDetailBits(t *testing.T) {
	req := NewInitiateRequest(WithServicesSupportedCalling([]ServiceSupportedBit{Status, Read, Write, Conclude}))
	detail := req.detail()

	require.Equal(t, byte(0xA4), detail[0])

	var resp InitiateResponse
	err := parseInitiateResponseDetail(detail[2:], &resp)
	require.NoError(t, err)
	require.Equal(t, req.ProposedVersionNumber, resp.NegotiatedVersionNumber)
	require.ElementsMatch(t, req.ServicesSupportedCalling, resp.ServicesSupportedCalled)
	require.ElementsMatch(t, req.ProposedParameterCBB, resp.NegotiatedParameterCBB)
}
