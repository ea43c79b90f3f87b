package mms

import (
	"testing"

	"github.com/mms61850/stack/mms/variant"
	"github.com/stretchr/testify/require"
)

func TestWriteRequestBytesEncodesDataAsFloatingPoint(t *testing.T) {
	req := NewWriteRequest(3, "simpleIOGenericIO", "AnOut1$SP$setMag$f", variant.NewFloat32Variant(42.5))
	encoded, err := req.Bytes()
	require.NoError(t, err)

	require.Equal(t, byte(0xA0), encoded[0])

	content, err := decodeConfirmedEnvelope(encoded)
	require.NoError(t, err)
	require.Equal(t, byte(serviceWrite), content[3])
	require.Contains(t, string(encoded), "simpleIOGenericIO")
	// 87 05 floating-point Data: format byte 08, then 42.5 as 0x422a0000
	require.Contains(t, string(encoded), string([]byte{0x87, 0x05, 0x08, 0x42, 0x2a, 0x00, 0x00}))
}

func TestWriteRequestBytesRejectsUnsupportedVariant(t *testing.T) {
	_, err := NewWriteRequest(3, "d", "i", nil).Bytes()
	require.Error(t, err)
}

func TestParseWriteResponseSuccess(t *testing.T) {
	// a0 09 confirmed-RequestPDU tag, also accepted as an envelope
	//   02 01 03 invokeID = 3
	//   a5 04 confirmedServiceResponse: write
	//      30 02 listOfAccessResult
	//         81 00 success[1] NULL
	resp, err := ParseWriteResponse(hexBytes(t, "a009020103a50430028100"))
	require.NoError(t, err)
	require.Equal(t, uint32(3), resp.InvokeID)
	require.Len(t, resp.Results, 1)
	require.True(t, resp.Results[0].Success)
}

func TestParseWriteResponseFailure(t *testing.T) {
	// a0 0a confirmed-RequestPDU tag, also accepted as an envelope
	//   02 01 03 invokeID = 3
	//   a5 05 confirmedServiceResponse: write
	//      30 03 listOfAccessResult
	//         80 01 0a failure, errorCode 10 = ObjectNonExistent
	resp, err := ParseWriteResponse(hexBytes(t, "a00a020103a505300380010a"))
	require.NoError(t, err)
	require.Equal(t, uint32(3), resp.InvokeID)
	require.Len(t, resp.Results, 1)
	require.False(t, resp.Results[0].Success)
	require.Equal(t, ObjectNonExistent, resp.Results[0].Err.ErrorCode)
}
