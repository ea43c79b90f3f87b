package tpkt

import (
	"bytes"
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

func TestParseTPKT(t *testing.T) {
	tests := []struct {
		name   string
		hexStr string
		want   TPKT
	}{
		{
			name:   "connection confirm",
			hexStr: "03 00 00 16 11 d0 00 01 00 01 00 c0 01 0d c2 02 00 01 c1 02 00 01",
			want: TPKT{
				Version:  0x03,
				Reserved: 0x00,
				Length:   22,
			},
		},
		{
			name:   "data tpdu",
			hexStr: "03 00 00 8f 02 f0 80 0e 86 05 06 13 01 00 16 01 02 14 02 00 02 34 02 00 01 c1 74 31 72 a0 03 80 01 01 a2 6b 83 04 00 00 00 01 a5 12 30 07 80 01 00 81 02 51 01 30 07 80 01 00 81 02 51 01 61 4f 30 4d 02 01 01 a0 48 61 46 a1 07 06 05 28 ca 22 02 03 a2 03 02 01 00 a3 05 a1 03 02 01 00 be 2f 28 2d 02 01 03 a0 28 a9 26 80 03 00 fd e8 81 01 05 82 01 05 83 01 0a a4 16 80 01 01 81 03 05 f1 00 82 0c 03 ee 1c 00 00 00 02 00 00 40 ed 18",
			want: TPKT{
				Version:  0x03,
				Reserved: 0x00,
				Length:   143,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := hexBytes(t, tt.hexStr)
			got, err := ParseTPKT(raw)
			require.NoError(t, err)
			require.Equal(t, tt.want.Version, got.Version)
			require.Equal(t, tt.want.Reserved, got.Reserved)
			require.Equal(t, tt.want.Length, got.Length)
			require.Equal(t, raw[HeaderLength:], got.Data)
		})
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	payload := []byte{0x11, 0x22, 0x33, 0x44}
	frame := Encode(payload)
	require.Equal(t, byte(len(payload)+HeaderLength), frame[3])

	got, err := ParseTPKT(frame)
	require.NoError(t, err)
	require.Equal(t, payload, got.Data)
}

func TestReadFrame(t *testing.T) {
	payload := []byte("hello COTP")
	buf := bytes.NewBuffer(Encode(payload))

	got, err := ReadFrame(buf)
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func TestReadFrameRejectsBadVersion(t *testing.T) {
	frame := Encode([]byte{0x01})
	frame[0] = 0x07
	_, err := ReadFrame(bytes.NewReader(frame))
	require.Error(t, err)
}
