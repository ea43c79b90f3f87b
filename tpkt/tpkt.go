// Package tpkt implements the RFC 1006 TPKT framing that carries ISO
// transport (COTP) TPDUs over a TCP byte stream: a fixed four-octet header
// (version, reserved, total length) in front of each COTP TPDU.
package tpkt

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/mms61850/stack/xerrors"
)

const (
	// Version is the only TPKT version defined by RFC 1006.
	Version byte = 0x03

	// HeaderLength is the size of the fixed TPKT header.
	HeaderLength = 4

	// MaxLength is the largest TPKT frame this package will read or write;
	// it bounds the length field against a hostile or corrupt peer.
	MaxLength = 65535
)

// TPKT is a decoded TPKT frame: the header fields plus the COTP TPDU it
// carries in Data.
type TPKT struct {
	Version  byte
	Reserved byte
	Length   uint16
	Data     []byte
}

// ParseTPKT decodes a single, complete TPKT frame from data. It does not
// read from a stream; see ReadFrame for incremental reads off a net.Conn.
func ParseTPKT(data []byte) (*TPKT, error) {
	if len(data) < HeaderLength {
		return nil, xerrors.NewProtocolError("tpkt", fmt.Errorf("frame shorter than header: %d bytes", len(data)))
	}

	length := binary.BigEndian.Uint16(data[2:4])
	if int(length) != len(data) {
		return nil, xerrors.NewProtocolError("tpkt", fmt.Errorf("length field %d does not match frame size %d", length, len(data)))
	}

	return &TPKT{
		Version:  data[0],
		Reserved: data[1],
		Length:   length,
		Data:     data[HeaderLength:],
	}, nil
}

// Bytes re-encodes the frame, recomputing Length from len(Data).
func (t *TPKT) Bytes() []byte {
	return Encode(t.Data)
}

// Encode wraps payload in a TPKT header, ready to write to the wire.
func Encode(payload []byte) []byte {
	frame := make([]byte, HeaderLength+len(payload))
	frame[0] = Version
	frame[1] = 0x00
	binary.BigEndian.PutUint16(frame[2:4], uint16(HeaderLength+len(payload)))
	copy(frame[HeaderLength:], payload)
	return frame
}

// WriteFrame writes payload to w as a single TPKT frame.
func WriteFrame(w io.Writer, payload []byte) error {
	if HeaderLength+len(payload) > MaxLength {
		return xerrors.NewProtocolError("tpkt", fmt.Errorf("payload too large: %d bytes", len(payload)))
	}
	_, err := w.Write(Encode(payload))
	return err
}

// ReadFrame reads exactly one TPKT frame from r, blocking until the header
// and the full payload it announces have arrived, and returns the COTP TPDU
// carried inside it. It rejects frames that do not declare version 3 or
// whose length exceeds MaxLength.
func ReadFrame(r io.Reader) ([]byte, error) {
	header := make([]byte, HeaderLength)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("tpkt: reading header: %w", err)
	}

	if header[0] != Version {
		return nil, xerrors.NewProtocolError("tpkt", fmt.Errorf("unsupported version %d", header[0]))
	}

	length := binary.BigEndian.Uint16(header[2:4])
	if int(length) < HeaderLength || int(length) > MaxLength {
		return nil, xerrors.NewProtocolError("tpkt", fmt.Errorf("invalid length field %d", length))
	}

	payload := make([]byte, int(length)-HeaderLength)
	if len(payload) > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, fmt.Errorf("tpkt: reading payload: %w", err)
		}
	}

	return payload, nil
}
