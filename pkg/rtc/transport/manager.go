package transport

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pion/webrtc/v3"

	"github.com/livekit/protocol/livekit"
	"github.com/livekit/protocol/logger"

	"github.com/livekit/livekit-session/pkg/rtc/types"
	"github.com/livekit/livekit-session/pkg/utils"
)

// ManagerHandler receives everything the engine needs from the transport pair.
type ManagerHandler interface {
	OnStateChange(state types.PCTransportState, publisher webrtc.PeerConnectionState, subscriber webrtc.PeerConnectionState)
	OnICECandidate(c *webrtc.ICECandidate, target livekit.SignalTarget) error
	OnPublisherOffer(sd webrtc.SessionDescription) error
	OnSubscriberAnswer(sd webrtc.SessionDescription) error
	OnNegotiationFailed(target livekit.SignalTarget)
	OnTrack(track *webrtc.TrackRemote, rtpReceiver *webrtc.RTPReceiver)
	OnDataChannel(dc *webrtc.DataChannel, target livekit.SignalTarget)
}

type ManagerParams struct {
	Configuration      webrtc.Configuration
	SubscriberPrimary  bool
	API                *webrtc.API
	Handler            ManagerHandler
	Clock              clock.Clock
	NegotiationTimeout time.Duration
	Logger             logger.Logger
}

// Manager tracks the publisher and subscriber transports as one logical connection.
type Manager struct {
	params ManagerParams

	publisher  *PCTransport
	subscriber *PCTransport

	lock              sync.RWMutex
	state             types.PCTransportState
	requirePublisher  bool
	requireSubscriber bool
	negotiationFailed int

	changed *utils.ChangeNotifier
}

func NewManager(params ManagerParams) (*Manager, error) {
	if params.Clock == nil {
		params.Clock = clock.New()
	}
	if params.Logger == nil {
		params.Logger = logger.GetLogger()
	}
	if params.API == nil {
		api, err := NewAPI(APIParams{Logger: params.Logger})
		if err != nil {
			return nil, err
		}
		params.API = api
	}

	m := &Manager{
		params:            params,
		state:             types.PCTransportStateNew,
		requirePublisher:  !params.SubscriberPrimary,
		requireSubscriber: params.SubscriberPrimary,
		changed:           utils.NewChangeNotifier(),
	}

	publisher, err := NewPCTransport(TransportParams{
		Target:             livekit.SignalTarget_PUBLISHER,
		Configuration:      params.Configuration,
		API:                params.API,
		Handler:            &transportHandler{m: m, target: livekit.SignalTarget_PUBLISHER},
		Clock:              params.Clock,
		NegotiationTimeout: params.NegotiationTimeout,
		Logger:             params.Logger,
	})
	if err != nil {
		return nil, err
	}

	subscriber, err := NewPCTransport(TransportParams{
		Target:             livekit.SignalTarget_SUBSCRIBER,
		Configuration:      params.Configuration,
		API:                params.API,
		Handler:            &transportHandler{m: m, target: livekit.SignalTarget_SUBSCRIBER},
		Clock:              params.Clock,
		NegotiationTimeout: params.NegotiationTimeout,
		Logger:             params.Logger,
	})
	if err != nil {
		publisher.Close()
		return nil, err
	}

	m.publisher = publisher
	m.subscriber = subscriber
	m.updateState()
	return m, nil
}

func (m *Manager) Publisher() *PCTransport {
	return m.publisher
}

func (m *Manager) Subscriber() *PCTransport {
	return m.subscriber
}

func (m *Manager) SubscriberPrimary() bool {
	return m.params.SubscriberPrimary
}

func (m *Manager) State() types.PCTransportState {
	m.lock.RLock()
	defer m.lock.RUnlock()
	return m.state
}

func (m *Manager) IsPublisherRequired() bool {
	m.lock.RLock()
	defer m.lock.RUnlock()
	return m.requirePublisher
}

// RequirePublisher makes the publisher count towards the aggregate state, used once
// something is published while the subscriber is primary.
func (m *Manager) RequirePublisher(require bool) {
	m.lock.Lock()
	m.requirePublisher = require || !m.params.SubscriberPrimary
	m.lock.Unlock()

	m.updateState()
}

// Watch returns a channel closed on the next state change of either transport.
func (m *Manager) Watch() <-chan struct{} {
	return m.changed.Watch()
}

// RestartICE marks the subscriber for an ICE restart. When the publisher is required it
// also sends a restart offer and waits for it to be answered, a missing answer is a
// NegotiationError.
func (m *Manager) RestartICE(ctx context.Context) error {
	m.subscriber.MarkICERestart()
	if !m.IsPublisherRequired() {
		return nil
	}

	failedBefore := m.negotiationFailures()
	if err := m.publisher.CreateAndSendOffer(&webrtc.OfferOptions{ICERestart: true}); err != nil {
		return &types.NegotiationError{Err: err}
	}
	return m.awaitNegotiation(ctx, failedBefore)
}

// Negotiate runs one publisher negotiation to completion.
func (m *Manager) Negotiate(ctx context.Context) error {
	failedBefore := m.negotiationFailures()
	if err := m.publisher.CreateAndSendOffer(nil); err != nil {
		return &types.NegotiationError{Err: err}
	}
	return m.awaitNegotiation(ctx, failedBefore)
}

func (m *Manager) negotiationFailures() int {
	m.lock.RLock()
	defer m.lock.RUnlock()
	return m.negotiationFailed
}

func (m *Manager) awaitNegotiation(ctx context.Context, failedBefore int) error {
	err := m.changed.WaitUntil(ctx, func() bool {
		m.lock.RLock()
		failed := m.negotiationFailed != failedBefore
		m.lock.RUnlock()
		return failed || m.publisher.NegotiationState() == NegotiationStateNone
	})
	if err != nil {
		return &types.ConnectionError{Reason: types.ConnectionErrorCancelled, Msg: "negotiation aborted", Err: err}
	}

	m.lock.RLock()
	failed := m.negotiationFailed != failedBefore
	m.lock.RUnlock()
	if failed {
		return &types.NegotiationError{Err: errNegotiationTimeout}
	}
	return nil
}

// EnsurePCTransportConnection waits until every required transport is connected.
func (m *Manager) EnsurePCTransportConnection(ctx context.Context, timeout time.Duration) error {
	if m.State() == types.PCTransportStateConnected {
		return nil
	}

	if m.IsPublisherRequired() &&
		m.publisher.ConnectionState() == webrtc.PeerConnectionStateNew &&
		m.publisher.NegotiationState() == NegotiationStateNone {
		m.params.Logger.Debugw("negotiation required, starting publisher negotiation")
		m.publisher.Negotiate()
	}

	wctx, cancel := m.params.Clock.WithTimeout(ctx, timeout)
	defer cancel()

	err := m.changed.WaitUntil(wctx, func() bool {
		return m.State() == types.PCTransportStateConnected
	})
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return &types.ConnectionError{Reason: types.ConnectionErrorCancelled, Msg: "waiting for transport connection cancelled", Err: ctx.Err()}
	}
	return &types.ConnectionError{
		Reason: types.ConnectionErrorTimeout,
		Msg:    "could not establish pc connection, state: " + m.State().String(),
		Err:    err,
	}
}

func (m *Manager) AddICECandidate(candidate webrtc.ICECandidateInit, target livekit.SignalTarget) error {
	if target == livekit.SignalTarget_PUBLISHER {
		return m.publisher.AddICECandidate(candidate)
	}
	return m.subscriber.AddICECandidate(candidate)
}

func (m *Manager) SetPublisherAnswer(sd webrtc.SessionDescription) error {
	return m.publisher.SetRemoteDescription(sd)
}

// CreateSubscriberAnswerFromOffer applies a server offer and answers it.
func (m *Manager) CreateSubscriberAnswerFromOffer(sd webrtc.SessionDescription) error {
	if err := m.subscriber.SetRemoteDescription(sd); err != nil {
		return err
	}
	return m.subscriber.CreateAndSendAnswer()
}

func (m *Manager) UpdateConfiguration(config webrtc.Configuration) error {
	m.params.Configuration = config
	if err := m.publisher.SetConfiguration(config); err != nil {
		return err
	}
	return m.subscriber.SetConfiguration(config)
}

func (m *Manager) Close() {
	m.publisher.Close()
	m.subscriber.Close()
	m.updateState()
}

func (m *Manager) updateState() {
	pubState := m.publisher.ConnectionState()
	subState := m.subscriber.ConnectionState()

	m.lock.Lock()
	var required []webrtc.PeerConnectionState
	if m.requirePublisher {
		required = append(required, pubState)
	}
	if m.requireSubscriber {
		required = append(required, subState)
	}
	prev := m.state
	m.state = AggregateState(prev, required)
	state := m.state
	m.lock.Unlock()

	if state != prev {
		m.params.Logger.Debugw("pc state changed",
			"state", state.String(),
			"publisher", pubState.String(),
			"subscriber", subState.String(),
		)
		if m.params.Handler != nil {
			m.params.Handler.OnStateChange(state, pubState, subState)
		}
	}
	m.changed.NotifyChanged()
}

// AggregateState combines the states of the required transports. A mix that matches
// no rule, such as a transport briefly disconnected, keeps prev.
func AggregateState(prev types.PCTransportState, states []webrtc.PeerConnectionState) types.PCTransportState {
	every := func(s webrtc.PeerConnectionState) bool {
		for _, st := range states {
			if st != s {
				return false
			}
		}
		return true
	}
	some := func(s webrtc.PeerConnectionState) bool {
		for _, st := range states {
			if st == s {
				return true
			}
		}
		return false
	}

	switch {
	case every(webrtc.PeerConnectionStateConnected):
		return types.PCTransportStateConnected
	case some(webrtc.PeerConnectionStateFailed):
		return types.PCTransportStateFailed
	case some(webrtc.PeerConnectionStateConnecting):
		return types.PCTransportStateConnecting
	case every(webrtc.PeerConnectionStateClosed):
		return types.PCTransportStateClosed
	case some(webrtc.PeerConnectionStateClosed):
		return types.PCTransportStateClosing
	case every(webrtc.PeerConnectionStateNew):
		return types.PCTransportStateNew
	default:
		return prev
	}
}

// ---------------------------------------------

type transportHandler struct {
	m      *Manager
	target livekit.SignalTarget
}

func (h *transportHandler) OnICECandidate(c *webrtc.ICECandidate, target livekit.SignalTarget) error {
	if h.m.params.Handler == nil {
		return ErrNoICECandidateHandler
	}
	return h.m.params.Handler.OnICECandidate(c, target)
}

func (h *transportHandler) OnOffer(sd webrtc.SessionDescription) error {
	if h.target != livekit.SignalTarget_PUBLISHER || h.m.params.Handler == nil {
		return ErrNoOfferHandler
	}
	return h.m.params.Handler.OnPublisherOffer(sd)
}

func (h *transportHandler) OnAnswer(sd webrtc.SessionDescription) error {
	if h.target != livekit.SignalTarget_SUBSCRIBER || h.m.params.Handler == nil {
		return ErrNoAnswerHandler
	}
	return h.m.params.Handler.OnSubscriberAnswer(sd)
}

func (h *transportHandler) OnStateChange(state webrtc.PeerConnectionState) {
	h.m.updateState()
}

func (h *transportHandler) OnNegotiationStateChanged(state NegotiationState) {
	h.m.changed.NotifyChanged()
}

func (h *transportHandler) OnNegotiationFailed() {
	h.m.lock.Lock()
	h.m.negotiationFailed++
	h.m.lock.Unlock()
	h.m.changed.NotifyChanged()

	if h.m.params.Handler != nil {
		h.m.params.Handler.OnNegotiationFailed(h.target)
	}
}

func (h *transportHandler) OnTrack(track *webrtc.TrackRemote, rtpReceiver *webrtc.RTPReceiver) {
	if h.m.params.Handler != nil {
		h.m.params.Handler.OnTrack(track, rtpReceiver)
	}
}

func (h *transportHandler) OnDataChannel(dc *webrtc.DataChannel) {
	if h.m.params.Handler != nil {
		h.m.params.Handler.OnDataChannel(dc, h.target)
	}
}
