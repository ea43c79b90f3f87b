// Package client drives the full MMS association handshake over a TCP
// socket (TPKT/COTP/Session/Presentation/ACSE/MMS) and offers Read, Write
// and GetVariableAccessAttributes as correlated request/response calls,
// dispatching unsolicited reports to a ReportSink.
package client

import (
	"time"

	"github.com/mms61850/stack/cotp"
	"github.com/mms61850/stack/logger"
)

// Config negotiates one connection. It is always constructed in Go by the
// caller, never parsed from a file or environment, mirroring the teacher's
// plain option-struct configuration.
type Config struct {
	RemoteHost string
	RemotePort uint16

	LocalTSelector  []byte
	RemoteTSelector []byte

	LocalPresentationSelector  []byte
	RemotePresentationSelector []byte

	LocalAPTitle      []byte // BER-encoded OID, nil to omit
	LocalAEQualifier  int32
	RemoteAPTitle     []byte
	RemoteAEQualifier int32

	MaxTPDUSizeCode byte // log2(octets); 0 means cotp.DefaultTPDUSizeCode

	MmsMaxServicesCalling uint32
	MmsMaxServicesCalled  uint32

	TCPConnectTimeout   time.Duration
	COTPTimeout         time.Duration
	SessionTimeout      time.Duration
	PresentationTimeout time.Duration
	ACSETimeout         time.Duration
	MMSInitiateTimeout  time.Duration
	RequestTimeout      time.Duration

	ReportSink ReportSink
	Logger     logger.Logger
}

// DefaultConfig returns the parameters this stack proposes when a caller
// supplies none: a 5 second budget for every handshake phase, a 10 second
// budget per confirmed request, and the default COTP TPDU size.
func DefaultConfig() Config {
	return Config{
		RemotePort:            102,
		MaxTPDUSizeCode:       cotp.DefaultTPDUSizeCode,
		MmsMaxServicesCalling: 5,
		MmsMaxServicesCalled:  5,
		TCPConnectTimeout:     5 * time.Second,
		COTPTimeout:           5 * time.Second,
		SessionTimeout:        5 * time.Second,
		PresentationTimeout:   5 * time.Second,
		ACSETimeout:           5 * time.Second,
		MMSInitiateTimeout:    5 * time.Second,
		RequestTimeout:        10 * time.Second,
	}
}

// Option configures a Config at construction time, mirroring the teacher's
// MmsClientOption / ConnectionOption functional-option pattern.
type Option func(*Config)

func WithLogger(l logger.Logger) Option {
	return func(c *Config) { c.Logger = l }
}

func WithReportSink(sink ReportSink) Option {
	return func(c *Config) { c.ReportSink = sink }
}

func WithRemoteTSelector(selector []byte) Option {
	return func(c *Config) { c.RemoteTSelector = selector }
}

func WithLocalTSelector(selector []byte) Option {
	return func(c *Config) { c.LocalTSelector = selector }
}

func WithPresentationSelectors(local, remote []byte) Option {
	return func(c *Config) {
		c.LocalPresentationSelector = local
		c.RemotePresentationSelector = remote
	}
}

func WithAPTitles(localAPTitle []byte, localAEQualifier int32, remoteAPTitle []byte, remoteAEQualifier int32) Option {
	return func(c *Config) {
		c.LocalAPTitle = localAPTitle
		c.LocalAEQualifier = localAEQualifier
		c.RemoteAPTitle = remoteAPTitle
		c.RemoteAEQualifier = remoteAEQualifier
	}
}

func WithRequestTimeout(d time.Duration) Option {
	return func(c *Config) { c.RequestTimeout = d }
}

func WithMaxTPDUSizeCode(code byte) Option {
	return func(c *Config) { c.MaxTPDUSizeCode = code }
}

// NewConfig builds a Config from DefaultConfig with opts applied, for
// callers that prefer the functional-option style to editing the struct
// returned by DefaultConfig directly.
func NewConfig(remoteHost string, opts ...Option) Config {
	c := DefaultConfig()
	c.RemoteHost = remoteHost
	for _, opt := range opts {
		opt(&c)
	}
	return c
}
