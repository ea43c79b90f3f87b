// Package cotp implements the ISO 8073 / RFC 905 connection-oriented
// transport protocol, class 0 only: the CR/CC handshake, DT data transfer
// with fragmentation across multiple TPDUs, and DR/DC orderly disconnect.
// It frames every TPDU inside a TPKT header via package tpkt.
package cotp

import (
	"context"
	"fmt"
	"net"

	"github.com/mms61850/stack/logger"
	"github.com/mms61850/stack/tpkt"
	"github.com/mms61850/stack/xerrors"
)

// TPDU codes, upper nibble of the second header octet (class 0 only uses
// the fixed forms below; the credit/TPDU-NR nibble is always zero for CR/CC
// and is folded into the EOT flag for DT).
const (
	codeCR byte = 0xE0
	codeCC byte = 0xD0
	codeDR byte = 0x80
	codeDC byte = 0xC0
	codeDT byte = 0xF0
	codeER byte = 0x70
)

// Variable parameter codes used in CR/CC.
const (
	paramTPDUSize   byte = 0xC0
	paramCallingTSAP byte = 0xC1
	paramCalledTSAP  byte = 0xC2
)

const eotFlag byte = 0x80

// DefaultTPDUSizeCode negotiates the largest class-0 TPDU size (2^13 = 8192
// octets), matching the size every IED in the wild actually proposes.
const DefaultTPDUSizeCode byte = 0x0D

// TSelector is an ISO transport selector: an opaque octet string identifying
// a transport endpoint above the network layer.
type TSelector struct {
	Value []byte
}

// ConnectionParameters negotiates the CR/CC handshake.
type ConnectionParameters struct {
	LocalTSelector  TSelector
	RemoteTSelector TSelector
	TPDUSizeCode    byte // 0 means DefaultTPDUSizeCode
}

// Connection is one COTP class-0 transport connection layered over a
// net.Conn, framing every TPDU with TPKT.
type Connection struct {
	conn   net.Conn
	logger logger.Logger

	localRef  uint16
	remoteRef uint16

	maxTPDUSize int // negotiated TPDU size; Send subtracts the 3-byte DT header to get the payload per TPDU
}

// Option configures a Connection at construction time.
type Option func(*Connection)

// WithLogger attaches a debug logger; nil disables logging, the default.
func WithLogger(l logger.Logger) Option {
	return func(c *Connection) { c.logger = l }
}

// NewConnection wraps conn for COTP class-0 framing.
func NewConnection(conn net.Conn, opts ...Option) *Connection {
	c := &Connection{
		conn:        conn,
		localRef:    1,
		maxTPDUSize: tpduSizeFromCode(DefaultTPDUSizeCode),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Connection) debugf(format string, v ...any) {
	if c.logger != nil {
		c.logger.Debug(format, v...)
	}
}

func tpduSizeFromCode(code byte) int {
	if code == 0 {
		code = DefaultTPDUSizeCode
	}
	return 1 << code
}

// minTPDUSize is the smallest negotiated TPDU size this stack will accept:
// 128 octets, the smallest size a TPDU-size code (7) can express.
const minTPDUSize = 128

// clampTPDUSize bounds a peer-offered TPDU size to what this connection can
// actually use: never above the size this side offered or accepted, and
// never below minTPDUSize regardless of what the peer proposed.
func clampTPDUSize(offered, localMax int) int {
	if offered > localMax {
		offered = localMax
	}
	if offered < minTPDUSize {
		offered = minTPDUSize
	}
	return offered
}

// Connect performs the active CR/CC handshake and blocks until the peer's
// CC arrives or ctx is cancelled.
func (c *Connection) Connect(ctx context.Context, params *ConnectionParameters) error {
	sizeCode := params.TPDUSizeCode
	if sizeCode == 0 {
		sizeCode = DefaultTPDUSizeCode
	}

	cr := c.buildCR(params, sizeCode)
	c.debugf("sending CR, localRef=%d", c.localRef)
	if err := tpkt.WriteFrame(c.conn, cr); err != nil {
		return xerrors.NewTransportError("sending CR", err)
	}

	done := make(chan struct{})
	defer close(done)
	go c.watchCancellation(ctx, done)

	payload, err := tpkt.ReadFrame(c.conn)
	if err != nil {
		return xerrors.NewTransportError("reading CC", err)
	}

	cc, err := ParseCOTP(payload)
	if err != nil {
		return xerrors.NewProtocolError("cotp", err)
	}
	if cc.Type != codeCC {
		if cc.Type == codeDR {
			return xerrors.NewNegotiationError("cotp", "peer sent DR in place of CC", nil)
		}
		return xerrors.NewProtocolError("cotp", fmt.Errorf("expected CC, got TPDU code 0x%02x", cc.Type))
	}

	c.remoteRef = cc.SrcRef
	if size := cc.negotiatedTPDUSize(); size > 0 {
		c.maxTPDUSize = clampTPDUSize(size, tpduSizeFromCode(sizeCode))
	}

	c.debugf("received CC, remoteRef=%d, maxTPDUSize=%d", c.remoteRef, c.maxTPDUSize)
	return nil
}

// watchCancellation closes the underlying connection if ctx is cancelled
// before done is closed, unblocking a concurrent Read/Write on conn.
func (c *Connection) watchCancellation(ctx context.Context, done <-chan struct{}) {
	select {
	case <-ctx.Done():
		c.conn.Close()
	case <-done:
	}
}

// Accept performs the passive side of the handshake: it reads a CR, sends a
// CC, and returns the peer's proposed parameters. Included for symmetry with
// Connect even though this module only drives the client role.
func (c *Connection) Accept(ctx context.Context) (*ConnectionParameters, error) {
	payload, err := tpkt.ReadFrame(c.conn)
	if err != nil {
		return nil, xerrors.NewTransportError("reading CR", err)
	}
	h, err := ParseCOTP(payload)
	if err != nil {
		return nil, xerrors.NewProtocolError("cotp", err)
	}
	if h.Type != codeCR {
		return nil, xerrors.NewProtocolError("cotp", fmt.Errorf("expected CR, got TPDU code 0x%02x", h.Type))
	}

	c.remoteRef = h.SrcRef
	params := &ConnectionParameters{
		LocalTSelector:  TSelector{Value: h.DstTSAP},
		RemoteTSelector: TSelector{Value: h.SrcTSAP},
	}
	if size := h.negotiatedTPDUSize(); size > 0 {
		c.maxTPDUSize = clampTPDUSize(size, tpduSizeFromCode(DefaultTPDUSizeCode))
	}

	cc := c.buildCC(params)
	if err := tpkt.WriteFrame(c.conn, cc); err != nil {
		return nil, xerrors.NewTransportError("sending CC", err)
	}
	return params, nil
}

// Send fragments payload across one or more DT TPDUs, each up to the
// negotiated maxTPDUSize, setting the end-of-TSDU bit on the last fragment.
func (c *Connection) Send(payload []byte) error {
	headerLen := 3 // LI + code + TPDU-NR/EOT
	chunkSize := c.maxTPDUSize - headerLen
	if chunkSize <= 0 {
		return xerrors.NewProtocolError("cotp", fmt.Errorf("negotiated TPDU size %d too small for a header", c.maxTPDUSize))
	}

	if len(payload) == 0 {
		return tpkt.WriteFrame(c.conn, []byte{0x02, codeDT, eotFlag})
	}

	for offset := 0; offset < len(payload); offset += chunkSize {
		end := offset + chunkSize
		last := end >= len(payload)
		if last {
			end = len(payload)
		}

		tpdu := make([]byte, 3, 3+end-offset)
		tpdu[0] = 0x02 // LI: code + TPDU-NR/EOT octet
		tpdu[1] = codeDT
		if last {
			tpdu[2] = eotFlag
		} else {
			tpdu[2] = 0x00
		}
		tpdu = append(tpdu, payload[offset:end]...)

		if err := tpkt.WriteFrame(c.conn, tpdu); err != nil {
			return xerrors.NewTransportError("sending DT", err)
		}
	}
	return nil
}

// Receive blocks until a complete session-layer message has been
// reassembled from one or more DT TPDUs and returns its payload. It reports
// an orderly disconnect from the peer as a *xerrors.DisassociatedError.
func (c *Connection) Receive(ctx context.Context) ([]byte, error) {
	done := make(chan struct{})
	defer close(done)
	go c.watchCancellation(ctx, done)

	var assembled []byte
	for {
		if ctx.Err() != nil {
			return nil, xerrors.NewCancelledError(ctx.Err())
		}

		frame, err := tpkt.ReadFrame(c.conn)
		if err != nil {
			return nil, xerrors.NewTransportError("reading TPDU", err)
		}

		h, err := ParseCOTP(frame)
		if err != nil {
			return nil, xerrors.NewProtocolError("cotp", err)
		}

		switch h.Type {
		case codeDT:
			assembled = append(assembled, h.Data...)
			if h.IsLastDataUnit {
				return assembled, nil
			}
		case codeDR:
			return nil, xerrors.NewDisassociatedError("peer sent DR")
		case codeDC:
			return nil, xerrors.NewDisassociatedError("peer sent DC")
		case codeER:
			return nil, xerrors.NewProtocolError("cotp", fmt.Errorf("peer sent ER (reject cause=%d)", h.Reason))
		default:
			return nil, xerrors.NewProtocolError("cotp", fmt.Errorf("unexpected TPDU code 0x%02x while connected", h.Type))
		}
	}
}

// Disconnect sends an orderly DR and does not wait for the peer's DC,
// matching the best-effort teardown spec.md describes.
func (c *Connection) Disconnect(reason byte) error {
	dr := []byte{0x06, codeDR, 0x00, 0x00, 0x00, 0x00, reason}
	c.localRef, c.remoteRef = c.remoteRef, c.localRef
	copy(dr[2:4], encodeUint16(c.remoteRef))
	copy(dr[4:6], encodeUint16(c.localRef))
	return tpkt.WriteFrame(c.conn, dr)
}

func (c *Connection) buildCR(params *ConnectionParameters, sizeCode byte) []byte {
	variable := []byte{paramTPDUSize, 1, sizeCode}
	variable = append(variable, tsapParam(paramCallingTSAP, params.LocalTSelector)...)
	variable = append(variable, tsapParam(paramCalledTSAP, params.RemoteTSelector)...)

	fixed := []byte{codeCR, 0x00, 0x00, 0x00, 0x00, 0x00}
	copy(fixed[3:5], encodeUint16(c.localRef))

	body := append(fixed, variable...)
	return append([]byte{byte(len(body))}, body...)
}

func (c *Connection) buildCC(params *ConnectionParameters) []byte {
	variable := []byte{paramTPDUSize, 1, DefaultTPDUSizeCode}
	variable = append(variable, tsapParam(paramCalledTSAP, params.LocalTSelector)...)
	variable = append(variable, tsapParam(paramCallingTSAP, params.RemoteTSelector)...)

	fixed := []byte{codeCC, 0x00, 0x00, 0x00, 0x00, 0x00}
	copy(fixed[1:3], encodeUint16(c.remoteRef))
	copy(fixed[3:5], encodeUint16(c.localRef))

	body := append(fixed, variable...)
	return append([]byte{byte(len(body))}, body...)
}

func tsapParam(code byte, sel TSelector) []byte {
	return append([]byte{code, byte(len(sel.Value))}, sel.Value...)
}

func encodeUint16(v uint16) []byte {
	return []byte{byte(v >> 8), byte(v)}
}
