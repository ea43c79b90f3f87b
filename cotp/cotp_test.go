package cotp

import (
	"bytes"
	"context"
	"encoding/hex"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func hexBytes(t *testing.T, s string) []byte {
	t.Helper()
	data, err := hex.DecodeString(strings.ReplaceAll(s, " ", ""))
	require.NoError(t, err)
	return data
}

func TestParseCOTP(t *testing.T) {
	t.Run("connection confirm", func(t *testing.T) {
		data := hexBytes(t, "11 d0 00 01 00 01 00 c0 01 0d c2 02 00 01 c1 02 00 01")
		got, err := ParseCOTP(data)
		require.NoError(t, err)

		require.Equal(t, byte(0x11), got.Length)
		require.Equal(t, COTPTypeConnectionConfirm, got.Type)
		require.Equal(t, uint16(1), got.DestRef)
		require.Equal(t, uint16(1), got.SrcRef)
		require.Equal(t, byte(0), got.Class)
		require.False(t, got.ExtendedFormats)
		require.False(t, got.NoExplicitFlowCtrl)
		require.Equal(t, byte(0x0d), got.TpduSize)
		require.Equal(t, []byte{0x00, 0x01}, got.DstTSAP)
		require.Equal(t, []byte{0x00, 0x01}, got.SrcTSAP)
		require.Empty(t, got.Data)
	})

	t.Run("data tpdu, last fragment", func(t *testing.T) {
		data := hexBytes(t, "02 f0 80 0e 86 05 06 13 01 00 16 01 02")
		got, err := ParseCOTP(data)
		require.NoError(t, err)

		require.Equal(t, byte(0x02), got.Length)
		require.Equal(t, COTPTypeData, got.Type)
		require.Equal(t, byte(0x80), got.Flags)
		require.True(t, got.IsLastDataUnit)
		require.Equal(t, data[3:], got.Data)
	})
}

func TestConnectionHandshakeOverPipe(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	client := NewConnection(clientConn)
	server := NewConnection(serverConn)

	params := &ConnectionParameters{
		LocalTSelector:  TSelector{Value: []byte{0x00, 0x01}},
		RemoteTSelector: TSelector{Value: []byte{0x00, 0x01}},
	}

	serverErrCh := make(chan error, 1)
	go func() {
		_, err := server.Accept(context.Background())
		serverErrCh <- err
	}()

	err := client.Connect(context.Background(), params)
	require.NoError(t, err)
	require.NoError(t, <-serverErrCh)
	require.Equal(t, tpduSizeFromCode(DefaultTPDUSizeCode), client.maxTPDUSize)
}

func TestClampTPDUSize(t *testing.T) {
	require.Equal(t, 8192, clampTPDUSize(8192, 8192))
	require.Equal(t, 2048, clampTPDUSize(8192, 2048), "offered above local max clamps down")
	require.Equal(t, minTPDUSize, clampTPDUSize(64, 8192), "offered below the floor clamps up")
	require.Equal(t, minTPDUSize, clampTPDUSize(1<<30, minTPDUSize), "a peer proposing an absurd size code never exceeds local max")
}

func TestConnectClampsPeerOfferedTPDUSize(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	client := NewConnection(clientConn)
	server := NewConnection(serverConn)

	params := &ConnectionParameters{
		LocalTSelector:  TSelector{Value: []byte{0x00, 0x01}},
		RemoteTSelector: TSelector{Value: []byte{0x00, 0x01}},
		TPDUSizeCode:    0x0A, // 1024, smaller than what the server will echo back
	}

	serverErrCh := make(chan error, 1)
	go func() {
		_, err := server.Accept(context.Background())
		serverErrCh <- err
	}()

	err := client.Connect(context.Background(), params)
	require.NoError(t, err)
	require.NoError(t, <-serverErrCh)
	require.Equal(t, 1024, client.maxTPDUSize, "negotiated size never exceeds what this side proposed")
}

func TestSendReceiveFragmentsAcrossTPDUs(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	client := NewConnection(clientConn)
	client.maxTPDUSize = 10 // force fragmentation: header is 3 bytes, so 7-byte chunks
	server := NewConnection(serverConn)

	payload := bytes.Repeat([]byte{0xAB}, 25)

	recvCh := make(chan []byte, 1)
	errCh := make(chan error, 1)
	go func() {
		got, err := server.Receive(context.Background())
		recvCh <- got
		errCh <- err
	}()

	require.NoError(t, client.Send(payload))
	require.NoError(t, <-errCh)
	require.Equal(t, payload, <-recvCh)
}

func TestReceiveDisconnectReportsDisassociated(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	client := NewConnection(clientConn)
	server := NewConnection(serverConn)

	go func() {
		client.Disconnect(0)
	}()

	_, err := server.Receive(context.Background())
	require.Error(t, err)
}

func TestReceiveHonorsContextCancellation(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	server := NewConnection(serverConn)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := server.Receive(ctx)
	require.Error(t, err)
}
