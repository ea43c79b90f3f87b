package session

import (
	"encoding/hex"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func hexBytes(t *testing.T, s string) []byte {
	t.Helper()
	data, err := hex.DecodeString(strings.ReplaceAll(s, " ", ""))
	require.NoError(t, err)
	return data
}

func TestUnitSmallAndBigForm(t *testing.T) {
	small := Unit(0x14, []byte{0x00, 0x02})
	require.Equal(t, []byte{0x14, 0x02, 0x00, 0x02}, small)

	big := Unit(0xC1, make([]byte, 300))
	require.Equal(t, byte(0xC1), big[0])
	require.Equal(t, byte(bigMarker), big[1])
	require.Len(t, big, bigHeader+300)

	require.Nil(t, Unit(0x14, nil))
}

func TestDecodeRoundTrip(t *testing.T) {
	params := Units(
		Unit(0x13, []byte{0x00}),
		Unit(0x16, []byte{0x02}),
		Unit(0xC1, []byte("hello")),
	)
	got, err := Decode(params)
	require.NoError(t, err)
	require.Len(t, got, 3)
	require.Equal(t, []byte{0x00}, Find(got, 0x13))
	require.Equal(t, []byte{0x02}, Find(got, 0x16))
	require.Equal(t, []byte("hello"), Find(got, 0xC1))
	require.Nil(t, Find(got, 0x99))
}

func TestDecodeRejectsTruncatedUnit(t *testing.T) {
	_, err := Decode([]byte{0x14, 0x05, 0x00, 0x02})
	require.Error(t, err)
}

// Wireshark-captured AC SPDU: Connect Accept Item (protocol options=0x00,
// version=2), Session Requirement (duplex), the called Session Selector,
// and the presentation CPA-type as User Data.
const capturedAC = "0e 86 05 06 13 01 00 16 01 02 14 02 00 02 34 02 00 01 c1 74" +
	" 31 72 a0 03 80 01 01 a2 6b 83 04 00 00 00 01 a5 12 30 07 80 01 00 81 02 51 01" +
	" 30 07 80 01 00 81 02 51 01 61 4f 30 4d 02 01 01 a0 48 61 46 a1 07 06 05 28 ca" +
	" 22 02 03 a2 03 02 01 00 a3 05 a1 03 02 01 00 be 2f 28 2d 02 01 03 a0 28 a9 26" +
	" 80 03 00 fd e8 81 01 05 82 01 05 83 01 0a a4 16 80 01 01 81 03 05 f1 00 82 0c" +
	" 03 ee 1c 00 00 00 02 00 00 40 ed 18"

func TestParseSPDUAccept(t *testing.T) {
	raw := hexBytes(t, capturedAC)
	spdu, err := ParseSPDU(raw)
	require.NoError(t, err)
	require.Equal(t, TypeAccept, spdu.Type)
	require.Equal(t, 0x86, spdu.Length)
	require.Empty(t, spdu.Data)

	params, err := ConnectUserData(spdu)
	require.NoError(t, err)
	require.Equal(t, byte(0x00), params.ProtocolOptions)
	require.Equal(t, VersionNumber2, params.VersionNumber)
	require.Equal(t, DuplexFunctionalUnit, params.SessionRequirement)
	require.Nil(t, params.CallingSessionSelector)
	require.Equal(t, []byte{0x00, 0x01}, params.CalledSessionSelector)
	require.Len(t, params.UserData, 0x74)
}

func TestBuildConnectSPDURoundTrips(t *testing.T) {
	userData := []byte("presentation-cp-type-bytes")
	built := BuildConnectSPDU(ConnectParams{
		CallingSessionSelector: []byte{0x00, 0x01},
		CalledSessionSelector:  []byte{0x00, 0x01},
		SessionRequirement:     DuplexFunctionalUnit,
		ProtocolOptions:        0x00,
		VersionNumber:          VersionNumber2,
		UserData:               userData,
	})

	spdu, err := ParseSPDU(built)
	require.NoError(t, err)
	require.Equal(t, TypeConnect, spdu.Type)

	params, err := ConnectUserData(spdu)
	require.NoError(t, err)
	require.Equal(t, byte(0x00), params.ProtocolOptions)
	require.Equal(t, VersionNumber2, params.VersionNumber)
	require.Equal(t, DuplexFunctionalUnit, params.SessionRequirement)
	require.Equal(t, []byte{0x00, 0x01}, params.CallingSessionSelector)
	require.Equal(t, []byte{0x00, 0x01}, params.CalledSessionSelector)
	require.Equal(t, userData, params.UserData)
}

func TestBuildAndParseAcceptSPDU(t *testing.T) {
	built := BuildAcceptSPDU(ConnectParams{
		CalledSessionSelector: []byte{0x00, 0x01},
		SessionRequirement:    DuplexFunctionalUnit,
		ProtocolOptions:       0x00,
		VersionNumber:         VersionNumber2,
		UserData:              []byte{0x01, 0x02, 0x03},
	})

	spdu, err := ParseSPDU(built)
	require.NoError(t, err)
	require.Equal(t, TypeAccept, spdu.Type)

	params, err := ConnectUserData(spdu)
	require.NoError(t, err)
	require.Equal(t, []byte{0x00, 0x01}, params.CalledSessionSelector)
	require.Nil(t, params.CallingSessionSelector)
	require.Equal(t, []byte{0x01, 0x02, 0x03}, params.UserData)
}

func TestBuildRefuseSPDU(t *testing.T) {
	built := BuildRefuseSPDU(RefuseParams{TransportDisconnect: 0x00, ReasonCode: 0x02})
	spdu, err := ParseSPDU(built)
	require.NoError(t, err)
	require.Equal(t, TypeRefuse, spdu.Type)
	require.Equal(t, []byte{0x00}, Find(spdu.Parameters, codeTransportDisc))
	require.Equal(t, []byte{0x02}, Find(spdu.Parameters, codeReasonCode))
}

func TestBuildDataTransferSPDU(t *testing.T) {
	built := BuildDataTransferSPDU([]byte("mms-payload"))
	spdu, err := ParseSPDU(built)
	require.NoError(t, err)
	require.Equal(t, TypeDataTransfer, spdu.Type)
	require.Equal(t, 2, spdu.Length)
	require.Len(t, spdu.Parameters, 1)
	require.Equal(t, codeConnectionID, spdu.Parameters[0].Code)
	require.Empty(t, spdu.Parameters[0].Value)
	require.Equal(t, []byte("mms-payload"), spdu.Data)
}

func TestParseDataTransferSPDUWithoutMarker(t *testing.T) {
	built := append(BuildSPDU(TypeDataTransfer, nil), []byte("mms-payload")...)
	spdu, err := ParseSPDU(built)
	require.NoError(t, err)
	require.Equal(t, TypeDataTransfer, spdu.Type)
	require.Equal(t, 0, spdu.Length)
	require.Empty(t, spdu.Parameters)
	require.Equal(t, []byte("mms-payload"), spdu.Data)
}

func TestConnectUserDataRejectsWrongType(t *testing.T) {
	built := BuildDataTransferSPDU(nil)
	spdu, err := ParseSPDU(built)
	require.NoError(t, err)
	_, err = ConnectUserData(spdu)
	require.Error(t, err)
}

func TestBuildFinishSPDURoundTrips(t *testing.T) {
	built := BuildFinishSPDU([]byte("bye"))
	spdu, err := ParseSPDU(built)
	require.NoError(t, err)
	require.Equal(t, TypeFinish, spdu.Type)
	require.Equal(t, []byte("bye"), FinishUserData(spdu))
}

func TestBuildFinishSPDUWithNoUserData(t *testing.T) {
	built := BuildFinishSPDU(nil)
	spdu, err := ParseSPDU(built)
	require.NoError(t, err)
	require.Equal(t, TypeFinish, spdu.Type)
	require.Empty(t, spdu.Parameters)
	require.Nil(t, FinishUserData(spdu))
}

func TestBuildDisconnectSPDURoundTrips(t *testing.T) {
	built := BuildDisconnectSPDU([]byte("done"))
	spdu, err := ParseSPDU(built)
	require.NoError(t, err)
	require.Equal(t, TypeDisconnect, spdu.Type)
	require.Equal(t, []byte("done"), FinishUserData(spdu))
}

func TestBuildAbortSPDURoundTrips(t *testing.T) {
	built := BuildAbortSPDU([]byte("abort-reason"))
	spdu, err := ParseSPDU(built)
	require.NoError(t, err)
	require.Equal(t, TypeAbort, spdu.Type)
	require.Equal(t, []byte{abortTransportDisconnectReason}, Find(spdu.Parameters, codeTransportDisc))
	require.Equal(t, []byte("abort-reason"), FinishUserData(spdu))
}

func TestBuildNotFinishedSPDU(t *testing.T) {
	built := BuildNotFinishedSPDU()
	spdu, err := ParseSPDU(built)
	require.NoError(t, err)
	require.Equal(t, TypeNotFinished, spdu.Type)
	require.Equal(t, 0, spdu.Length)
}
