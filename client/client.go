package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"golang.org/x/exp/maps"
	"golang.org/x/sync/errgroup"

	"github.com/mms61850/stack/acse"
	"github.com/mms61850/stack/cotp"
	"github.com/mms61850/stack/logger"
	"github.com/mms61850/stack/mms"
	"github.com/mms61850/stack/mms/variant"
	"github.com/mms61850/stack/presentation"
	"github.com/mms61850/stack/session"
	"github.com/mms61850/stack/xerrors"
)

// Connection is one established MMS association: a TCP socket carrying
// TPKT/COTP/Session/Presentation/ACSE framing, with a single background
// reader task and a mutex-serialized write path, per the orchestrator
// concurrency model.
type Connection struct {
	cfg        Config
	tcpConn    net.Conn
	cotpConn   *cotp.Connection
	logger     logger.Logger
	reportSink ReportSink

	initiateResponse *mms.InitiateResponse

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[uint32]chan pendingResult

	invokeMu     sync.Mutex
	nextInvokeID uint32

	releaseAck chan struct{}
	finishAck  chan struct{}

	group      *errgroup.Group
	groupCtx   context.Context
	cancelRead context.CancelFunc

	closeMu sync.Mutex
	closed  bool
}

type pendingResult struct {
	data []byte
	err  error
}

func mergeDefaults(cfg Config) Config {
	def := DefaultConfig()
	if cfg.RemotePort == 0 {
		cfg.RemotePort = def.RemotePort
	}
	if cfg.MaxTPDUSizeCode == 0 {
		cfg.MaxTPDUSizeCode = def.MaxTPDUSizeCode
	}
	if cfg.MmsMaxServicesCalling == 0 {
		cfg.MmsMaxServicesCalling = def.MmsMaxServicesCalling
	}
	if cfg.MmsMaxServicesCalled == 0 {
		cfg.MmsMaxServicesCalled = def.MmsMaxServicesCalled
	}
	if cfg.TCPConnectTimeout == 0 {
		cfg.TCPConnectTimeout = def.TCPConnectTimeout
	}
	if cfg.COTPTimeout == 0 {
		cfg.COTPTimeout = def.COTPTimeout
	}
	if cfg.SessionTimeout == 0 {
		cfg.SessionTimeout = def.SessionTimeout
	}
	if cfg.PresentationTimeout == 0 {
		cfg.PresentationTimeout = def.PresentationTimeout
	}
	if cfg.ACSETimeout == 0 {
		cfg.ACSETimeout = def.ACSETimeout
	}
	if cfg.MMSInitiateTimeout == 0 {
		cfg.MMSInitiateTimeout = def.MMSInitiateTimeout
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	if cfg.ReportSink == nil {
		cfg.ReportSink = discardReportSink{}
	}
	return cfg
}

// Connect drives the full handshake: TcpConnect, COTP CR/CC, Session
// CN/AC, Presentation CP/CPA (carrying ACSE AARQ/AARE, carrying MMS
// Initiate), transitioning to Established on success. Any failure aborts
// the socket and returns an error from the xerrors taxonomy.
func Connect(ctx context.Context, cfg Config) (*Connection, error) {
	cfg = mergeDefaults(cfg)

	dialCtx, cancel := context.WithTimeout(ctx, cfg.TCPConnectTimeout)
	defer cancel()
	addr := net.JoinHostPort(cfg.RemoteHost, strconv.Itoa(int(cfg.RemotePort)))
	tcpConn, err := (&net.Dialer{}).DialContext(dialCtx, "tcp", addr)
	if err != nil {
		return nil, xerrors.NewTransportError(fmt.Sprintf("dialing %s", addr), err)
	}

	return connectOverSocket(ctx, tcpConn, cfg)
}

// connectOverSocket drives the handshake over an already-established
// net.Conn and, on success, starts the background reader. Connect uses it
// after dialing; tests drive it directly over a net.Pipe.
func connectOverSocket(ctx context.Context, tcpConn net.Conn, cfg Config) (*Connection, error) {
	cfg = mergeDefaults(cfg)

	var cotpOpts []cotp.Option
	if cfg.Logger != nil {
		cotpOpts = append(cotpOpts, cotp.WithLogger(cfg.Logger))
	}
	cotpConn := cotp.NewConnection(tcpConn, cotpOpts...)

	c := &Connection{
		cfg:        cfg,
		tcpConn:    tcpConn,
		cotpConn:   cotpConn,
		logger:     cfg.Logger,
		reportSink: cfg.ReportSink,
		pending:    make(map[uint32]chan pendingResult),
		releaseAck: make(chan struct{}, 1),
		finishAck:  make(chan struct{}, 1),
	}

	if err := c.handshake(ctx); err != nil {
		tcpConn.Close()
		return nil, err
	}

	c.groupCtx, c.cancelRead = context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(c.groupCtx)
	c.group = g
	g.Go(func() error { return c.readLoop(gctx) })

	return c, nil
}

func (c *Connection) debugf(format string, v ...any) {
	if c.logger != nil {
		c.logger.Debug(format, v...)
	}
}

// handshake performs the COTP, Session, Presentation, ACSE and MMS Initiate
// exchange that establishes the association.
func (c *Connection) handshake(ctx context.Context) error {
	cotpCtx, cancel := context.WithTimeout(ctx, c.cfg.COTPTimeout)
	defer cancel()
	err := c.cotpConn.Connect(cotpCtx, &cotp.ConnectionParameters{
		LocalTSelector:  cotp.TSelector{Value: c.cfg.LocalTSelector},
		RemoteTSelector: cotp.TSelector{Value: c.cfg.RemoteTSelector},
		TPDUSizeCode:    c.cfg.MaxTPDUSizeCode,
	})
	if err != nil {
		return fmt.Errorf("client: COTP handshake: %w", err)
	}

	initiateReq := mms.NewInitiateRequest(
		mms.WithProposedMaxServOutstandingCalling(c.cfg.MmsMaxServicesCalling),
		mms.WithProposedMaxServOutstandingCalled(c.cfg.MmsMaxServicesCalled),
	)
	aarq := acse.BuildAARQ(acse.IsoConnectionParameters{
		RemoteAPTitle:     c.cfg.RemoteAPTitle,
		RemoteAEQualifier: c.cfg.RemoteAEQualifier,
		LocalAPTitle:      c.cfg.LocalAPTitle,
		LocalAEQualifier:  c.cfg.LocalAEQualifier,
	}, initiateReq.Bytes())

	cp := presentation.BuildCPType(presentation.ConnectRequest{
		CallingSelector: c.cfg.LocalPresentationSelector,
		CalledSelector:  c.cfg.RemotePresentationSelector,
		Contexts: []presentation.ContextDefinition{
			{ID: presentation.AcseContextID, AbstractSyntax: presentation.AcseAbstractSyntax, TransferSyntax: presentation.BasicEncodingRules},
			{ID: presentation.MmsContextID, AbstractSyntax: presentation.MmsAbstractSyntax, TransferSyntax: presentation.BasicEncodingRules},
		},
		UserData: aarq,
	})

	cn := session.BuildConnectSPDU(session.ConnectParams{
		CallingSessionSelector: c.cfg.LocalTSelector,
		CalledSessionSelector:  c.cfg.RemoteTSelector,
		SessionRequirement:     session.DuplexFunctionalUnit,
		VersionNumber:          session.VersionNumber2,
		UserData:               cp,
	})

	if err := c.cotpConn.Send(cn); err != nil {
		return fmt.Errorf("client: sending session CN: %w", err)
	}

	// Session, Presentation, ACSE and MMS Initiate all arrive in the single
	// AC SPDU the peer returns, so one bounded Receive covers all four.
	handshakeBudget := c.cfg.SessionTimeout + c.cfg.PresentationTimeout + c.cfg.ACSETimeout + c.cfg.MMSInitiateTimeout
	recvCtx, cancel2 := context.WithTimeout(ctx, handshakeBudget)
	defer cancel2()
	payload, err := c.cotpConn.Receive(recvCtx)
	if err != nil {
		return fmt.Errorf("client: receiving session AC: %w", err)
	}

	spdu, err := session.ParseSPDU(payload)
	if err != nil {
		return err
	}
	if spdu.Type == session.TypeRefuse {
		return xerrors.NewNegotiationError("session", "peer sent RF", nil)
	}
	if spdu.Type != session.TypeAccept {
		return xerrors.NewProtocolError("session", fmt.Errorf("expected AC, got SPDU type 0x%02x", spdu.Type))
	}

	acParams, err := session.ConnectUserData(spdu)
	if err != nil {
		return err
	}

	cpa, err := presentation.ParseCPAType(acParams.UserData)
	if err != nil {
		return err
	}
	for _, r := range cpa.Results {
		if r.Result != 0 {
			return xerrors.NewNegotiationError("presentation", fmt.Sprintf("context rejected: result=%d", r.Result), nil)
		}
	}

	aare, err := acse.ParseAARE(cpa.UserData)
	if err != nil {
		return err
	}

	initiateResp, err := mms.ParseInitiateResponse(aare.Data)
	if err != nil {
		return err
	}
	c.initiateResponse = initiateResp
	return nil
}

// InitiateResponse exposes the negotiated MMS Initiate parameters, e.g. to
// check InitiateResponse().Supports(mms.Write) before issuing a write.
func (c *Connection) InitiateResponse() *mms.InitiateResponse {
	return c.initiateResponse
}

func (c *Connection) allocateInvokeID() uint32 {
	c.invokeMu.Lock()
	defer c.invokeMu.Unlock()
	id := c.nextInvokeID
	c.nextInvokeID++
	if c.nextInvokeID > 0x7FFFFFFF {
		c.nextInvokeID = 0
	}
	return id
}

func (c *Connection) sendUserData(contextID byte, payload []byte) error {
	userData := presentation.BuildUserData(contextID, payload)
	dt := session.BuildDataTransferSPDU(userData)
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.cotpConn.Send(dt)
}

// sendSPDU sends a literal top-level SPDU (FN, DN, ...) that carries no
// Presentation envelope, unlike sendUserData's DT-wrapped traffic.
func (c *Connection) sendSPDU(spdu []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.cotpConn.Send(spdu)
}

// submit allocates no invokeID itself (the caller already did, so it can
// embed it in the request bytes); it registers a waiter, sends the request,
// and blocks until the reader delivers a matching response, the per-request
// timeout elapses, or ctx is cancelled.
func (c *Connection) submit(ctx context.Context, invokeID uint32, requestBytes []byte) ([]byte, error) {
	ch := make(chan pendingResult, 1)

	c.pendingMu.Lock()
	c.pending[invokeID] = ch
	c.pendingMu.Unlock()

	if err := c.sendUserData(presentation.MmsContextID, requestBytes); err != nil {
		c.removePending(invokeID)
		return nil, fmt.Errorf("client: sending request: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	select {
	case res := <-ch:
		return res.data, res.err
	case <-reqCtx.Done():
		c.removePending(invokeID)
		if ctx.Err() != nil {
			return nil, xerrors.NewCancelledError(ctx.Err())
		}
		return nil, xerrors.NewTimeoutError("mms-request", reqCtx.Err())
	}
}

func (c *Connection) removePending(invokeID uint32) {
	c.pendingMu.Lock()
	delete(c.pending, invokeID)
	c.pendingMu.Unlock()
}

func (c *Connection) deliver(invokeID uint32, data []byte, err error) {
	c.pendingMu.Lock()
	ch, ok := c.pending[invokeID]
	if ok {
		delete(c.pending, invokeID)
	}
	c.pendingMu.Unlock()

	if !ok {
		c.debugf("client: dropping response for unknown or cancelled invokeID %d", invokeID)
		return
	}
	ch <- pendingResult{data: data, err: err}
}

// Read issues a confirmed Read of one domain-specific variable.
func (c *Connection) Read(ctx context.Context, domainID, itemID string) (*variant.Variant, error) {
	id := c.allocateInvokeID()
	req := mms.NewReadRequest(id, domainID, itemID)

	data, err := c.submit(ctx, id, req.Bytes())
	if err != nil {
		return nil, err
	}
	resp, err := mms.ParseReadResponse(data)
	if err != nil {
		return nil, err
	}
	if len(resp.ListOfAccessResult) == 0 {
		return nil, errors.New("client: read response carries no result")
	}
	result := resp.ListOfAccessResult[0]
	if !result.Success {
		return nil, result.Err
	}
	return result.Value, nil
}

// Write issues a confirmed Write of one domain-specific variable.
func (c *Connection) Write(ctx context.Context, domainID, itemID string, value *variant.Variant) error {
	id := c.allocateInvokeID()
	req := mms.NewWriteRequest(id, domainID, itemID, value)
	requestBytes, err := req.Bytes()
	if err != nil {
		return err
	}

	data, err := c.submit(ctx, id, requestBytes)
	if err != nil {
		return err
	}
	resp, err := mms.ParseWriteResponse(data)
	if err != nil {
		return err
	}
	if len(resp.Results) == 0 {
		return errors.New("client: write response carries no result")
	}
	if !resp.Results[0].Success {
		return resp.Results[0].Err
	}
	return nil
}

// GetVariableAccessAttributes issues a confirmed GetVariableAccessAttributes
// for one domain-specific variable, returning its type description.
func (c *Connection) GetVariableAccessAttributes(ctx context.Context, domainID, itemID string) (*mms.VariableAccessAttributesResponse, error) {
	id := c.allocateInvokeID()
	req := mms.NewGetVariableAccessAttributesRequest(id, domainID, itemID)

	data, err := c.submit(ctx, id, req.Bytes())
	if err != nil {
		return nil, err
	}
	return mms.ParseGetVariableAccessAttributesResponse(data)
}

// readLoop is the single background reader task: it owns the read half of
// the TCP socket and demultiplexes every inbound MMS-PDU to its waiter or
// the report sink.
func (c *Connection) readLoop(ctx context.Context) error {
	for {
		payload, err := c.cotpConn.Receive(ctx)
		if err != nil {
			c.teardownOnError(err)
			return err
		}

		spdu, err := session.ParseSPDU(payload)
		if err != nil {
			c.teardownOnError(err)
			return err
		}

		switch spdu.Type {
		case session.TypeDataTransfer:
			contextID, body, err := presentation.ParseUserData(spdu.Data)
			if err != nil {
				c.teardownOnError(err)
				return err
			}
			if contextID == presentation.AcseContextID {
				c.handleACSEControl(body)
				continue
			}
			c.handleMMS(body)
		case session.TypeRefuse:
			err := xerrors.NewNegotiationError("session", "peer sent RF during data phase", nil)
			c.teardownOnError(err)
			return err
		case session.TypeFinish:
			if err := c.sendSPDU(session.BuildDisconnectSPDU(nil)); err != nil {
				c.debugf("client: sending Session DN in reply to peer FN: %v", err)
			}
			err := xerrors.NewDisassociatedError("peer sent Session FN")
			c.teardownOnError(err)
			return err
		case session.TypeDisconnect:
			select {
			case c.finishAck <- struct{}{}:
			default:
			}
			err := xerrors.NewDisassociatedError("peer sent Session DN")
			c.teardownOnError(err)
			return err
		case session.TypeNotFinished:
			select {
			case c.finishAck <- struct{}{}:
			default:
			}
			c.debugf("client: peer sent Session NF, declining our Finish request")
			continue
		case session.TypeAbort:
			err := xerrors.NewDisassociatedError("peer sent Session AB")
			c.teardownOnError(err)
			return err
		default:
			err := xerrors.NewProtocolError("session", fmt.Errorf("unexpected SPDU type 0x%02x during data phase", spdu.Type))
			c.teardownOnError(err)
			return err
		}
	}
}

func (c *Connection) handleACSEControl(body []byte) {
	ind, err := acse.ParseMessage(acse.NewConnection(), body)
	if err != nil {
		c.debugf("client: malformed ACSE control PDU: %v", err)
		return
	}
	switch ind {
	case acse.IndicationReleaseResponse:
		select {
		case c.releaseAck <- struct{}{}:
		default:
		}
	case acse.IndicationReleaseRequest:
		if err := c.sendUserData(presentation.AcseContextID, acse.CreateReleaseResponseMessage(acse.NewConnection())); err != nil {
			c.debugf("client: sending RLRE: %v", err)
		}
	case acse.IndicationAbort:
		c.teardownOnError(xerrors.NewDisassociatedError("peer sent ABRT"))
	default:
		c.debugf("client: ignoring ACSE indication %d outside handshake", ind)
	}
}

func (c *Connection) handleMMS(body []byte) {
	switch mms.ClassifyPDU(body) {
	case mms.PDUKindConfirmedResponse:
		invokeID, err := mms.PeekInvokeID(body)
		if err != nil {
			c.debugf("client: dropping malformed confirmed-response: %v", err)
			return
		}
		c.deliver(invokeID, body, nil)

	case mms.PDUKindConfirmedError:
		errPDU, err := mms.ParseConfirmedErrorPDU(body)
		if err != nil {
			c.debugf("client: dropping malformed confirmed-error: %v", err)
			return
		}
		c.deliver(errPDU.InvokeID, nil, xerrors.NewServiceError("confirmed-request", errPDU.ErrorClass, errPDU.ErrorCode))

	case mms.PDUKindUnconfirmed:
		report, err := mms.ParseInformationReport(body)
		if err != nil {
			c.debugf("client: dropping malformed unconfirmed PDU: %v", err)
			return
		}
		c.reportSink.OnReport(report)

	case mms.PDUKindReject:
		rej, err := mms.ParseRejectPDU(body)
		if err != nil {
			c.debugf("client: dropping malformed reject PDU: %v", err)
			return
		}
		if rej.InvokeID == nil {
			c.debugf("client: reject PDU without invokeID, reason tag 0x%02x", rej.ReasonTag)
			return
		}
		c.deliver(*rej.InvokeID, nil, xerrors.NewProtocolError("mms", fmt.Errorf("request rejected, reason tag 0x%02x", rej.ReasonTag)))

	case mms.PDUKindConcludeRequest:
		if err := c.sendUserData(presentation.MmsContextID, mms.ConcludeResponseBytes); err != nil {
			c.debugf("client: sending conclude response: %v", err)
		}
		c.teardownOnError(xerrors.NewDisassociatedError("peer requested conclude"))

	case mms.PDUKindConcludeResponse:
		// Acknowledges our own conclude request sent from Close; nothing to
		// correlate since conclude carries no invokeID.

	default:
		if len(body) > 0 {
			c.debugf("client: dropping unrecognized MMS-PDU tag 0x%02x", body[0])
		} else {
			c.debugf("client: dropping empty MMS-PDU")
		}
	}
}

// teardownOnError performs the non-graceful half of teardown: close the
// socket and fail every pending waiter. It is idempotent and safe to call
// from the reader goroutine concurrently with a caller-initiated Close.
func (c *Connection) teardownOnError(err error) {
	c.closeMu.Lock()
	if c.closed {
		c.closeMu.Unlock()
		return
	}
	c.closed = true
	c.closeMu.Unlock()

	c.tcpConn.Close()
	c.failAllPending(xerrors.NewDisassociatedErrorFromCause(err))
}

func (c *Connection) failAllPending(err error) {
	c.pendingMu.Lock()
	ids := maps.Keys(c.pending)
	pending := c.pending
	c.pending = make(map[uint32]chan pendingResult)
	c.pendingMu.Unlock()

	if len(ids) > 0 {
		c.debugf("client: failing %d pending call(s) on teardown: invokeIDs=%v", len(ids), ids)
	}
	for _, ch := range pending {
		ch <- pendingResult{err: err}
	}
}

// Close tears the association down: best-effort Conclude, ACSE release,
// Session FN, then COTP disconnect, then socket shutdown, then every pending
// waiter is completed with Disassociated. Idempotent.
func (c *Connection) Close() error {
	c.closeMu.Lock()
	if c.closed {
		c.closeMu.Unlock()
		return nil
	}
	c.closed = true
	c.closeMu.Unlock()

	releaseTimeout := c.cfg.RequestTimeout
	if releaseTimeout <= 0 {
		releaseTimeout = 5 * time.Second
	}

	if err := c.sendUserData(presentation.MmsContextID, mms.ConcludeRequestBytes); err != nil {
		c.debugf("client: sending conclude request: %v", err)
	}
	if err := c.sendUserData(presentation.AcseContextID, acse.CreateReleaseRequestMessage(acse.NewConnection())); err != nil {
		c.debugf("client: sending RLRQ: %v", err)
	}

	select {
	case <-c.releaseAck:
	case <-time.After(releaseTimeout):
		c.debugf("client: no RLRE within %s, closing anyway", releaseTimeout)
	}

	if err := c.sendSPDU(session.BuildFinishSPDU(nil)); err != nil {
		c.debugf("client: sending Session FN: %v", err)
	}

	select {
	case <-c.finishAck:
	case <-time.After(releaseTimeout):
		c.debugf("client: no Session DN within %s, closing anyway", releaseTimeout)
	}

	if err := c.cotpConn.Disconnect(0); err != nil {
		c.debugf("client: sending COTP DR: %v", err)
	}

	if c.cancelRead != nil {
		c.cancelRead()
	}
	c.tcpConn.Close()
	if c.group != nil {
		_ = c.group.Wait()
	}

	c.failAllPending(xerrors.NewDisassociatedError("closed"))
	return nil
}
