package signalling

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/frostbyte73/core"
	"github.com/gammazero/deque"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v3"
	"go.uber.org/atomic"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"

	"github.com/livekit/protocol/livekit"
	"github.com/livekit/protocol/logger"

	"github.com/livekit/livekit-session/pkg/rtc/types"
	"github.com/livekit/livekit-session/pkg/telemetry/prometheus"
	"github.com/livekit/livekit-session/pkg/utils"
)

const (
	DefaultHandshakeTimeout = 15 * time.Second

	closeWriteTimeout = time.Second
)

type SignalClientParams struct {
	Logger           logger.Logger
	Clock            clock.Clock
	HandshakeTimeout time.Duration
	Dialer           *websocket.Dialer
	HTTPClient       *http.Client
}

// SignalClient owns the websocket to the server. It never reconnects by itself,
// the owner drives Join/Reconnect.
type SignalClient struct {
	params SignalClientParams

	lock       sync.RWMutex
	state      types.SignalConnectionState
	conn       *signalConn
	handler    Handler
	joinOpts   JoinOptions
	supportsRQ bool
	// bumped by Join, Reconnect and Close; stale attempts leave state alone
	attempt uint64

	// keepalive, guarded by lock
	pingInterval time.Duration
	pingTimeout  time.Duration
	pingTimer    *clock.Timer
	pingStop     chan struct{}
	rtt          atomic.Duration

	// requests deferred while reconnecting
	flushLock *utils.Mutex
	queueLock sync.Mutex
	queued    *deque.Deque[*livekit.SignalRequest]
}

func NewSignalClient(params SignalClientParams) *SignalClient {
	if params.Logger == nil {
		params.Logger = logger.GetLogger()
	}
	if params.Clock == nil {
		params.Clock = clock.New()
	}
	if params.HandshakeTimeout <= 0 {
		params.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if params.Dialer == nil {
		params.Dialer = websocket.DefaultDialer
	}
	if params.HTTPClient == nil {
		params.HTTPClient = http.DefaultClient
	}
	return &SignalClient{
		params:    params,
		state:     types.SignalConnectionStateDisconnected,
		handler:   UnimplementedHandler{},
		flushLock: utils.NewMutex(),
		queued:    deque.New[*livekit.SignalRequest](),
	}
}

func (c *SignalClient) SetHandler(h Handler) {
	if h == nil {
		h = UnimplementedHandler{}
	}
	c.lock.Lock()
	c.handler = h
	c.lock.Unlock()
}

func (c *SignalClient) getHandler() Handler {
	c.lock.RLock()
	defer c.lock.RUnlock()
	return c.handler
}

func (c *SignalClient) State() types.SignalConnectionState {
	c.lock.RLock()
	defer c.lock.RUnlock()
	return c.state
}

func (c *SignalClient) IsDisconnected() bool {
	state := c.State()
	return state == types.SignalConnectionStateDisconnected || state == types.SignalConnectionStateDisconnecting
}

func (c *SignalClient) setState(state types.SignalConnectionState) {
	c.lock.Lock()
	prev := c.state
	c.state = state
	c.lock.Unlock()

	c.logStateChange(prev, state)
}

// setStateFor applies state only while attempt is still the latest connection attempt.
func (c *SignalClient) setStateFor(attempt uint64, state types.SignalConnectionState) {
	c.lock.Lock()
	if c.attempt != attempt {
		c.lock.Unlock()
		return
	}
	prev := c.state
	c.state = state
	c.lock.Unlock()

	c.logStateChange(prev, state)
}

func (c *SignalClient) logStateChange(prev, state types.SignalConnectionState) {
	if prev != state {
		c.params.Logger.Debugw("signal state changed", "from", prev.String(), "to", state.String())
	}
}

// RTT is the last round trip measured through PingReq/PongResp.
func (c *SignalClient) RTT() time.Duration {
	return c.rtt.Load()
}

// Join opens a new signal connection and resolves with the server's JoinResponse.
func (c *SignalClient) Join(ctx context.Context, url string, token string, opts JoinOptions) (*livekit.JoinResponse, error) {
	c.lock.Lock()
	c.joinOpts = opts
	old := c.conn
	c.conn = nil
	c.attempt++
	attempt := c.attempt
	c.lock.Unlock()
	if old != nil {
		old.close(true)
	}
	c.stopKeepalive()
	c.setStateFor(attempt, types.SignalConnectionStateConnecting)

	res, sc, err := c.connect(ctx, attempt, url, token, opts, nil)
	if err != nil {
		c.setStateFor(attempt, types.SignalConnectionStateDisconnected)
		return nil, err
	}

	switch msg := res.GetMessage().(type) {
	case *livekit.SignalResponse_Join:
		join := msg.Join
		c.lock.Lock()
		c.supportsRQ = types.ServerSupportsPingReq(join.GetServerInfo())
		c.pingInterval = time.Duration(join.GetPingInterval()) * time.Second
		c.pingTimeout = time.Duration(join.GetPingTimeout()) * time.Second
		c.lock.Unlock()

		if err := c.completeHandshake(sc, false); err != nil {
			return nil, err
		}
		c.params.Logger.Infow("signal connected",
			"participant", join.GetParticipant().GetIdentity(),
			"sid", join.GetParticipant().GetSid(),
			"subscriberPrimary", join.GetSubscriberPrimary(),
			"serverVersion", join.GetServerInfo().GetVersion(),
		)
		return join, nil

	case *livekit.SignalResponse_Leave:
		c.abortHandshake(sc)
		return nil, &types.ConnectionError{
			Reason: types.ConnectionErrorLeaveRequest,
			Msg:    fmt.Sprintf("server sent leave during join, reason: %s", msg.Leave.GetReason()),
		}

	default:
		c.abortHandshake(sc)
		return nil, &types.ConnectionError{
			Reason: types.ConnectionErrorInternal,
			Msg:    fmt.Sprintf("%s, got %T", ErrUnexpectedJoinReply, msg),
		}
	}
}

// Reconnect re-establishes the signal connection for an existing session.
//
// Older servers do not send a ReconnectResponse. Any first message other than a leave
// is accepted as proof that the session resumed; in that case the returned response is
// nil and the message is dispatched to the handler like any other.
func (c *SignalClient) Reconnect(
	ctx context.Context,
	url string,
	token string,
	sid string,
	reason livekit.ReconnectReason,
) (*livekit.ReconnectResponse, error) {
	c.lock.Lock()
	opts := c.joinOpts
	old := c.conn
	c.conn = nil
	c.attempt++
	attempt := c.attempt
	c.lock.Unlock()
	if old != nil {
		old.close(false)
	}
	c.stopKeepalive()
	c.setStateFor(attempt, types.SignalConnectionStateReconnecting)

	res, sc, err := c.connect(ctx, attempt, url, token, opts, &reconnectParams{sid: sid, reason: reason})
	if err != nil {
		c.setStateFor(attempt, types.SignalConnectionStateDisconnected)
		return nil, err
	}

	switch msg := res.GetMessage().(type) {
	case *livekit.SignalResponse_Leave:
		c.abortHandshake(sc)
		return nil, &types.ConnectionError{
			Reason: types.ConnectionErrorLeaveRequest,
			Msg:    fmt.Sprintf("server sent leave during reconnect, reason: %s", msg.Leave.GetReason()),
		}

	case *livekit.SignalResponse_Reconnect:
		if err := c.completeHandshake(sc, false); err != nil {
			return nil, err
		}
		c.params.Logger.Infow("signal resumed", "sid", sid)
		return msg.Reconnect, nil

	default:
		if err := c.completeHandshake(sc, true); err != nil {
			return nil, err
		}
		c.params.Logger.Infow("signal resumed without reconnect response", "sid", sid, "firstMessage", fmt.Sprintf("%T", msg))
		return nil, nil
	}
}

// SetReconnected flushes requests queued while reconnecting, in the order they were sent.
func (c *SignalClient) SetReconnected() {
	unlock, err := c.flushLock.Lock(context.Background())
	if err != nil {
		return
	}
	defer unlock()

	flushed := 0
	for {
		c.queueLock.Lock()
		if c.queued.Len() == 0 {
			c.queueLock.Unlock()
			break
		}
		req := c.queued.PopFront()
		c.queueLock.Unlock()

		if err := c.write(req); err != nil {
			// keep it and everything after it for the next flush
			c.queueLock.Lock()
			c.queued.PushFront(req)
			remaining := c.queued.Len()
			c.queueLock.Unlock()
			c.params.Logger.Warnw("could not send queued signal request", err, "kind", requestKind(req), "remaining", remaining)
			break
		}
		flushed++
		prometheus.SignalRequestCounter.WithLabelValues("flushed").Add(1)
	}
	if flushed > 0 {
		c.params.Logger.Debugw("flushed queued signal requests", "count", flushed)
	}
}

// QueuedRequests is the number of requests waiting for SetReconnected.
func (c *SignalClient) QueuedRequests() int {
	c.queueLock.Lock()
	defer c.queueLock.Unlock()
	return c.queued.Len()
}

// SendRequest transmits a request. While reconnecting, requests outside the bypass
// list are queued and replayed by SetReconnected.
func (c *SignalClient) SendRequest(req *livekit.SignalRequest) error {
	if canBypassQueue(req) {
		prometheus.SignalRequestCounter.WithLabelValues("direct").Add(1)
		return c.write(req)
	}

	unlock, err := c.flushLock.Lock(context.Background())
	if err != nil {
		return err
	}
	defer unlock()

	c.queueLock.Lock()
	if c.State() == types.SignalConnectionStateReconnecting || c.queued.Len() > 0 {
		c.queued.PushBack(req)
		c.queueLock.Unlock()
		prometheus.SignalRequestCounter.WithLabelValues("queued").Add(1)
		c.params.Logger.Debugw("queued signal request while reconnecting", "kind", requestKind(req))
		return nil
	}
	c.queueLock.Unlock()

	prometheus.SignalRequestCounter.WithLabelValues("direct").Add(1)
	return c.write(req)
}

func (c *SignalClient) write(req *livekit.SignalRequest) error {
	c.lock.RLock()
	sc := c.conn
	state := c.state
	useJSON := c.joinOpts.UseJSON
	c.lock.RUnlock()

	if sc == nil || state == types.SignalConnectionStateDisconnected || state == types.SignalConnectionStateDisconnecting {
		c.params.Logger.Debugw("skipping signal request, not connected", "kind", requestKind(req))
		return ErrSignalNotConnected
	}

	msgType, payload, err := encodeRequest(req, useJSON)
	if err != nil {
		return err
	}
	return sc.write(msgType, payload)
}

// Close shuts the connection down without firing OnClose.
func (c *SignalClient) Close() {
	c.lock.Lock()
	if c.state == types.SignalConnectionStateDisconnected && c.conn == nil {
		c.lock.Unlock()
		return
	}
	c.state = types.SignalConnectionStateDisconnecting
	c.attempt++
	sc := c.conn
	c.conn = nil
	c.lock.Unlock()

	c.stopKeepalive()
	if sc != nil {
		sc.close(true)
	}
	c.setState(types.SignalConnectionStateDisconnected)
}

// CloseConnection drops the current socket as if the network failed, firing OnClose.
func (c *SignalClient) CloseConnection(reason string) {
	c.lock.RLock()
	sc := c.conn
	c.lock.RUnlock()
	if sc != nil {
		c.handleOnClose(sc, reason)
	}
}

func (c *SignalClient) SendOffer(sd webrtc.SessionDescription) error {
	return c.SendRequest(&livekit.SignalRequest{
		Message: &livekit.SignalRequest_Offer{Offer: ToProtoSessionDescription(sd)},
	})
}

func (c *SignalClient) SendAnswer(sd webrtc.SessionDescription) error {
	return c.SendRequest(&livekit.SignalRequest{
		Message: &livekit.SignalRequest_Answer{Answer: ToProtoSessionDescription(sd)},
	})
}

func (c *SignalClient) SendICECandidate(candidate webrtc.ICECandidateInit, target livekit.SignalTarget) error {
	return c.SendRequest(&livekit.SignalRequest{
		Message: &livekit.SignalRequest_Trickle{Trickle: ToProtoTrickle(candidate, target)},
	})
}

func (c *SignalClient) SendAddTrack(req *livekit.AddTrackRequest) error {
	return c.SendRequest(&livekit.SignalRequest{
		Message: &livekit.SignalRequest_AddTrack{AddTrack: req},
	})
}

func (c *SignalClient) SendMuteTrack(sid string, muted bool) error {
	return c.SendRequest(&livekit.SignalRequest{
		Message: &livekit.SignalRequest_Mute{Mute: &livekit.MuteTrackRequest{Sid: sid, Muted: muted}},
	})
}

func (c *SignalClient) SendUpdateSubscription(sub *livekit.UpdateSubscription) error {
	return c.SendRequest(&livekit.SignalRequest{
		Message: &livekit.SignalRequest_Subscription{Subscription: sub},
	})
}

func (c *SignalClient) SendUpdateTrackSettings(settings *livekit.UpdateTrackSettings) error {
	return c.SendRequest(&livekit.SignalRequest{
		Message: &livekit.SignalRequest_TrackSetting{TrackSetting: settings},
	})
}

func (c *SignalClient) SendUpdateLocalMetadata(metadata string, name string) error {
	return c.SendRequest(&livekit.SignalRequest{
		Message: &livekit.SignalRequest_UpdateMetadata{
			UpdateMetadata: &livekit.UpdateParticipantMetadata{Metadata: metadata, Name: name},
		},
	})
}

func (c *SignalClient) SendSyncState(state *livekit.SyncState) error {
	return c.SendRequest(&livekit.SignalRequest{
		Message: &livekit.SignalRequest_SyncState{SyncState: state},
	})
}

func (c *SignalClient) SendSimulateScenario(scenario *livekit.SimulateScenario) error {
	return c.SendRequest(&livekit.SignalRequest{
		Message: &livekit.SignalRequest_Simulate{Simulate: scenario},
	})
}

func (c *SignalClient) SendLeave() error {
	return c.SendRequest(&livekit.SignalRequest{
		Message: &livekit.SignalRequest_Leave{Leave: &livekit.LeaveRequest{
			CanReconnect: false,
			Reason:       livekit.DisconnectReason_CLIENT_INITIATED,
		}},
	})
}

// ---------------------------------------------

func (c *SignalClient) connect(
	ctx context.Context,
	attempt uint64,
	rawURL string,
	token string,
	opts JoinOptions,
	rp *reconnectParams,
) (*livekit.SignalResponse, *signalConn, error) {
	signalURL, err := buildSignalURL(rawURL, token, opts, rp)
	if err != nil {
		return nil, nil, &types.ConnectionError{Reason: types.ConnectionErrorInternal, Msg: "invalid url", Err: err}
	}

	// the network dial runs on wall time, only the wait for the first message follows the clock
	dctx, dcancel := context.WithTimeout(ctx, c.params.HandshakeTimeout)
	defer dcancel()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	ws, resp, err := c.params.Dialer.DialContext(dctx, signalURL, header)
	if err != nil {
		return nil, nil, c.dialError(ctx, dctx, rawURL, token, opts, rp, resp, err)
	}

	sc := newSignalConn(ws, c.params.Logger)
	c.lock.Lock()
	if c.attempt != attempt {
		c.lock.Unlock()
		sc.close(true)
		return nil, nil, errSuperseded
	}
	c.conn = sc
	c.lock.Unlock()
	go c.readWorker(sc, opts.UseJSON)

	hctx, cancel := c.params.Clock.WithTimeout(ctx, c.params.HandshakeTimeout)
	defer cancel()

	select {
	case res := <-sc.first:
		return res, sc, nil

	case err := <-sc.handshakeErr:
		c.abortHandshake(sc)
		return nil, nil, &types.ConnectionError{
			Reason: types.ConnectionErrorServerUnreachable,
			Msg:    "signal connection closed during handshake",
			Err:    err,
		}

	case <-hctx.Done():
		c.abortHandshake(sc)
		if ctx.Err() != nil {
			return nil, nil, &types.ConnectionError{Reason: types.ConnectionErrorCancelled, Msg: "signal connection cancelled", Err: ctx.Err()}
		}
		return nil, nil, &types.ConnectionError{Reason: types.ConnectionErrorServerUnreachable, Msg: "signal handshake timed out", Err: hctx.Err()}
	}
}

func (c *SignalClient) dialError(
	ctx context.Context,
	dctx context.Context,
	rawURL string,
	token string,
	opts JoinOptions,
	rp *reconnectParams,
	resp *http.Response,
	err error,
) error {
	if ctx.Err() != nil {
		return &types.ConnectionError{Reason: types.ConnectionErrorCancelled, Msg: "signal connection cancelled", Err: ctx.Err()}
	}
	if dctx.Err() != nil {
		return &types.ConnectionError{Reason: types.ConnectionErrorServerUnreachable, Msg: "signal handshake timed out", Err: err}
	}

	status, msg := 0, ""
	if resp != nil {
		status = resp.StatusCode
		if resp.Body != nil {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
			msg = strings.TrimSpace(string(body))
		}
	} else {
		status, msg = c.validate(ctx, rawURL, token, opts, rp)
	}

	if status >= 400 && status < 500 {
		if msg == "" {
			msg = http.StatusText(status)
		}
		return &types.ConnectionError{Reason: types.ConnectionErrorNotAllowed, Status: status, Msg: msg, Err: err}
	}
	return &types.ConnectionError{Reason: types.ConnectionErrorServerUnreachable, Status: status, Msg: "could not establish signal connection", Err: err}
}

// validate asks the server why a websocket upgrade failed.
func (c *SignalClient) validate(ctx context.Context, rawURL string, token string, opts JoinOptions, rp *reconnectParams) (int, string) {
	validateURL, err := buildValidateURL(rawURL, token, opts, rp)
	if err != nil {
		return 0, ""
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, validateURL, nil)
	if err != nil {
		return 0, ""
	}
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := c.params.HTTPClient.Do(req)
	if err != nil {
		return 0, ""
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	return resp.StatusCode, strings.TrimSpace(string(body))
}

// completeHandshake marks sc connected, unless a newer attempt or Close replaced it meanwhile.
func (c *SignalClient) completeHandshake(sc *signalConn, dispatchFirst bool) error {
	c.lock.Lock()
	if c.conn != sc {
		c.lock.Unlock()
		sc.close(true)
		return errSuperseded
	}
	prev := c.state
	c.state = types.SignalConnectionStateConnected
	c.lock.Unlock()
	c.logStateChange(prev, types.SignalConnectionStateConnected)

	c.startKeepalive(sc)
	sc.release(dispatchFirst)
	return nil
}

func (c *SignalClient) abortHandshake(sc *signalConn) {
	c.lock.Lock()
	current := c.conn == sc
	prev := c.state
	if current {
		c.conn = nil
		c.state = types.SignalConnectionStateDisconnected
	}
	c.lock.Unlock()
	sc.close(true)
	if current {
		c.logStateChange(prev, types.SignalConnectionStateDisconnected)
	}
}

func (c *SignalClient) readWorker(sc *signalConn, useJSON bool) {
	res, err := sc.read(useJSON)
	if err != nil {
		sc.handshakeErr <- err
		return
	}
	sc.first <- res

	select {
	case <-sc.ready:
	case <-sc.closed.Watch():
		return
	}
	if sc.dispatchFirst.Load() {
		c.handleSignalResponse(sc, res)
	}

	for {
		res, err := sc.read(useJSON)
		if err != nil {
			reason := err.Error()
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				reason = fmt.Sprintf("websocket closed: %d %s", closeErr.Code, closeErr.Text)
			}
			c.handleOnClose(sc, reason)
			return
		}
		c.handleSignalResponse(sc, res)
	}
}

func (c *SignalClient) handleOnClose(sc *signalConn, reason string) {
	if !sc.close(false) {
		return
	}

	c.lock.Lock()
	current := c.conn == sc
	if current {
		c.conn = nil
	}
	c.lock.Unlock()
	if !current {
		return
	}

	c.stopKeepalive()
	c.setState(types.SignalConnectionStateDisconnected)
	c.params.Logger.Infow("signal connection closed", "reason", reason)
	c.getHandler().OnClose(reason)
}

func (c *SignalClient) handleSignalResponse(sc *signalConn, res *livekit.SignalResponse) {
	h := c.getHandler()

	switch msg := res.GetMessage().(type) {
	case *livekit.SignalResponse_Answer:
		h.OnAnswer(FromProtoSessionDescription(msg.Answer))

	case *livekit.SignalResponse_Offer:
		h.OnOffer(FromProtoSessionDescription(msg.Offer))

	case *livekit.SignalResponse_Trickle:
		candidate, err := FromProtoTrickle(msg.Trickle)
		if err != nil {
			c.params.Logger.Warnw("could not decode trickle", err)
			return
		}
		h.OnTrickle(candidate, msg.Trickle.GetTarget())

	case *livekit.SignalResponse_Update:
		h.OnParticipantUpdate(msg.Update.GetParticipants())

	case *livekit.SignalResponse_SpeakersChanged:
		h.OnSpeakersChanged(msg.SpeakersChanged.GetSpeakers())

	case *livekit.SignalResponse_RoomUpdate:
		h.OnRoomUpdate(msg.RoomUpdate.GetRoom())

	case *livekit.SignalResponse_ConnectionQuality:
		h.OnConnectionQuality(msg.ConnectionQuality.GetUpdates())

	case *livekit.SignalResponse_TrackPublished:
		h.OnLocalTrackPublished(msg.TrackPublished)

	case *livekit.SignalResponse_TrackUnpublished:
		h.OnLocalTrackUnpublished(msg.TrackUnpublished)

	case *livekit.SignalResponse_Mute:
		h.OnRemoteMute(msg.Mute)

	case *livekit.SignalResponse_RefreshToken:
		h.OnTokenRefresh(msg.RefreshToken)

	case *livekit.SignalResponse_Leave:
		h.OnLeave(msg.Leave)

	case *livekit.SignalResponse_Pong:
		c.resetPingTimeout(sc)

	case *livekit.SignalResponse_PongResp:
		rtt := c.params.Clock.Now().Sub(time.UnixMilli(msg.PongResp.GetLastPingTimestamp()))
		if rtt >= 0 {
			c.rtt.Store(rtt)
			prometheus.SignalRTT.Set(float64(rtt.Milliseconds()))
		}
		c.resetPingTimeout(sc)

	default:
		c.params.Logger.Debugw("unhandled signal message", "type", fmt.Sprintf("%T", msg))
	}
}

// ---------------------------------------------

func encodeRequest(req *livekit.SignalRequest, useJSON bool) (int, []byte, error) {
	if useJSON {
		payload, err := protojson.Marshal(req)
		return websocket.TextMessage, payload, err
	}
	payload, err := proto.Marshal(req)
	return websocket.BinaryMessage, payload, err
}

func decodeResponse(msgType int, payload []byte) (*livekit.SignalResponse, error) {
	res := &livekit.SignalResponse{}
	var err error
	switch msgType {
	case websocket.BinaryMessage:
		err = proto.Unmarshal(payload, res)
	case websocket.TextMessage:
		err = protojson.Unmarshal(payload, res)
	default:
		err = ErrInvalidMessageType
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}

type signalConn struct {
	ws     *websocket.Conn
	logger logger.Logger

	writeLock sync.Mutex

	first         chan *livekit.SignalResponse
	handshakeErr  chan error
	ready         chan struct{}
	readyOnce     sync.Once
	dispatchFirst atomic.Bool

	closing atomic.Bool
	closed  core.Fuse
}

func newSignalConn(ws *websocket.Conn, l logger.Logger) *signalConn {
	return &signalConn{
		ws:           ws,
		logger:       l,
		first:        make(chan *livekit.SignalResponse, 1),
		handshakeErr: make(chan error, 1),
		ready:        make(chan struct{}),
	}
}

func (sc *signalConn) read(useJSON bool) (*livekit.SignalResponse, error) {
	for {
		msgType, payload, err := sc.ws.ReadMessage()
		if err != nil {
			return nil, err
		}
		res, err := decodeResponse(msgType, payload)
		if err != nil {
			sc.logger.Warnw("could not decode signal response", err, "json", useJSON)
			continue
		}
		return res, nil
	}
}

func (sc *signalConn) write(msgType int, payload []byte) error {
	if sc.closed.IsBroken() {
		return ErrSignalNotConnected
	}
	sc.writeLock.Lock()
	defer sc.writeLock.Unlock()
	return sc.ws.WriteMessage(msgType, payload)
}

// release lets the read worker continue past the first message.
func (sc *signalConn) release(dispatchFirst bool) {
	sc.readyOnce.Do(func() {
		sc.dispatchFirst.Store(dispatchFirst)
		close(sc.ready)
	})
}

// close returns false if the connection was already closed.
func (sc *signalConn) close(graceful bool) bool {
	if !sc.closing.CompareAndSwap(false, true) {
		return false
	}
	sc.closed.Break()

	if graceful {
		sc.writeLock.Lock()
		_ = sc.ws.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(closeWriteTimeout),
		)
		sc.writeLock.Unlock()
	}
	_ = sc.ws.Close()
	return true
}
