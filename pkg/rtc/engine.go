package rtc

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/elliotchance/orderedmap/v2"
	"github.com/frostbyte73/core"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v3"
	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"github.com/livekit/protocol/livekit"
	"github.com/livekit/protocol/logger"

	"github.com/livekit/livekit-session/pkg/config"
	"github.com/livekit/livekit-session/pkg/routing"
	"github.com/livekit/livekit-session/pkg/rtc/reconnect"
	"github.com/livekit/livekit-session/pkg/rtc/signalling"
	"github.com/livekit/livekit-session/pkg/rtc/transport"
	"github.com/livekit/livekit-session/pkg/rtc/types"
	"github.com/livekit/livekit-session/pkg/telemetry/prometheus"
	"github.com/livekit/livekit-session/pkg/utils"
)

type EngineParams struct {
	Config          *config.Config
	ReconnectPolicy reconnect.Policy
	Clock           clock.Clock
	Logger          logger.Logger
	// shared by both transports, built from the logging config when nil
	API        *webrtc.API
	Dialer     *websocket.Dialer
	HTTPClient *http.Client
}

// RTCEngine keeps one session alive: a signal connection plus the publisher and
// subscriber transports, recovering them after failures.
type RTCEngine struct {
	params EngineParams
	conf   *config.Config

	signal        *signalling.SignalClient
	events        *eventQueue
	signalQueue   *utils.OpsQueue
	dataQueue     *utils.OpsQueue
	pendingTracks *pendingTracks
	changed       *utils.ChangeNotifier

	// held while transports are being (re)built
	configureLock *utils.Mutex

	lock           sync.RWMutex
	url            string
	token          string
	joinResponse   *livekit.JoinResponse
	pcManager      *transport.Manager
	pcGeneration   uint32
	pcConnected    bool
	regionProvider *routing.RegionURLProvider
	publications   *orderedmap.OrderedMap[string, *localPublication]
	subscriptions  map[string]bool

	// data channels
	lossyDC        *webrtc.DataChannel
	reliableDC     *webrtc.DataChannel
	subLossyDC     *webrtc.DataChannel
	subReliableDC  *webrtc.DataChannel
	dcBufferStatus map[livekit.DataPacket_Kind]bool
	// orders buffer status reads with their events
	dcBufferLock sync.Mutex
	reliableSeq    atomic.Uint32

	// reconnect state, guarded by lock
	reconnectAttempts   int
	reconnectStart      time.Time
	reconnectTimer      *clock.Timer
	reconnectCancel     context.CancelFunc
	reconnectSeq        uint32
	reconnectDone       chan struct{}
	reconnecting        bool
	fullReconnectOnNext bool
	offlineEmitted      bool
	lastReconnectErr    error
	attemptingReconnect atomic.Bool

	stateLock     sync.Mutex
	connState     types.ConnectionState
	everConnected bool

	closing atomic.Bool
	closed  core.Fuse
}

func NewRTCEngine(params EngineParams) (*RTCEngine, error) {
	if params.Config == nil {
		conf, err := config.NewConfig("", false, nil, nil)
		if err != nil {
			return nil, err
		}
		params.Config = conf
	}
	if params.Clock == nil {
		params.Clock = clock.New()
	}
	if params.Logger == nil {
		params.Logger = logger.GetLogger()
	}
	if params.ReconnectPolicy == nil {
		params.ReconnectPolicy = reconnect.NewPolicy(params.Config.Reconnect.Delays, params.Config.Reconnect.MaxJitter)
	}
	if params.API == nil {
		api, err := transport.NewAPI(transport.APIParams{
			Logger:    params.Logger,
			PionLevel: params.Config.Logging.PionLevel,
			UseMDNS:   params.Config.RTC.UseMDNS,
		})
		if err != nil {
			return nil, errors.Wrap(err, "could not create webrtc api")
		}
		params.API = api
	}

	e := &RTCEngine{
		params: params,
		conf:   params.Config,
		signal: signalling.NewSignalClient(signalling.SignalClientParams{
			Logger:           params.Logger,
			Clock:            params.Clock,
			HandshakeTimeout: params.Config.Signal.HandshakeTimeout,
			Dialer:           params.Dialer,
			HTTPClient:       params.HTTPClient,
		}),
		events:        newEventQueue(),
		signalQueue:   utils.NewOpsQueue(utils.OpsQueueParams{Name: "signal", Logger: params.Logger}),
		dataQueue:     utils.NewOpsQueue(utils.OpsQueueParams{Name: "data", Logger: params.Logger}),
		pendingTracks: newPendingTracks(params.Clock, params.Config.RTC.PublishTimeout),
		changed:       utils.NewChangeNotifier(),
		configureLock: utils.NewMutex(),
		publications:  orderedmap.NewOrderedMap[string, *localPublication](),
		subscriptions: make(map[string]bool),
		dcBufferStatus: map[livekit.DataPacket_Kind]bool{
			livekit.DataPacket_LOSSY:    true,
			livekit.DataPacket_RELIABLE: true,
		},
		connState: types.ConnectionStateDisconnected,
	}
	e.signal.SetHandler(&signalHandler{e: e})
	e.signalQueue.Start()
	e.dataQueue.Start()
	return e, nil
}

// Events delivers engine events in order. The channel is closed after DisconnectedEvent.
func (e *RTCEngine) Events() <-chan Event {
	return e.events.Events()
}

func (e *RTCEngine) Logger() logger.Logger {
	return e.params.Logger
}

func (e *RTCEngine) SignalClient() *signalling.SignalClient {
	return e.signal
}

func (e *RTCEngine) JoinResponse() *livekit.JoinResponse {
	e.lock.RLock()
	defer e.lock.RUnlock()
	return e.joinResponse
}

func (e *RTCEngine) URL() string {
	e.lock.RLock()
	defer e.lock.RUnlock()
	return e.url
}

func (e *RTCEngine) Token() string {
	e.lock.RLock()
	defer e.lock.RUnlock()
	return e.token
}

func (e *RTCEngine) IsClosed() bool {
	return e.closing.Load()
}

func (e *RTCEngine) Done() <-chan struct{} {
	return e.closed.Watch()
}

func (e *RTCEngine) getPCManager() *transport.Manager {
	e.lock.RLock()
	defer e.lock.RUnlock()
	return e.pcManager
}

func (e *RTCEngine) joinOptions() signalling.JoinOptions {
	return signalling.JoinOptions{
		AutoSubscribe:  e.conf.Signal.AutoSubscribe,
		AdaptiveStream: e.conf.Signal.AdaptiveStream,
		UseJSON:        e.conf.Signal.UseJSON,
	}
}

func (e *RTCEngine) emit(ev Event) {
	e.events.push(ev)
}

// Join connects to the server at url. With a region provider available, retryable
// failures move on to the next best region until none is left.
func (e *RTCEngine) Join(ctx context.Context, url string, token string) (*livekit.JoinResponse, error) {
	if e.IsClosed() {
		return nil, types.ErrEngineClosed
	}

	// an explicit join supersedes any recovery in progress. A failing attempt may
	// reschedule before it returns, so cancel until none is running.
	for done := e.cancelReconnect(); done != nil; done = e.cancelReconnect() {
		select {
		case <-done:
		case <-ctx.Done():
			return nil, types.NewConnectionError(types.ConnectionErrorCancelled, "join cancelled", ctx.Err())
		}
	}
	e.cleanupPeerConnections()
	e.signal.Close()

	provider, err := routing.NewRegionURLProvider(url, token, routing.RegionURLProviderParams{
		HTTPClient:  e.params.HTTPClient,
		CacheTTL:    e.conf.Region.CacheTTL,
		ForceEnable: e.conf.Region.ForceEnable,
		Logger:      e.params.Logger,
	})
	if err != nil {
		return nil, err
	}

	e.lock.Lock()
	e.url = url
	e.token = token
	e.regionProvider = provider
	e.lock.Unlock()
	e.updateConnectionState()

	join, err := e.joinWithFailover(ctx, url, token)
	prometheus.RecordOperation("join", err, "")
	if err != nil {
		e.updateConnectionState()
		return nil, err
	}

	e.stateLock.Lock()
	e.everConnected = true
	e.stateLock.Unlock()
	e.updateConnectionState()
	e.emit(ConnectedEvent{Join: join})
	return join, nil
}

func (e *RTCEngine) joinWithFailover(ctx context.Context, url string, token string) (*livekit.JoinResponse, error) {
	join, err := e.join(ctx, url, token)
	for err != nil {
		var connErr *types.ConnectionError
		if !errors.As(err, &connErr) || !connErr.IsRetryable() {
			return nil, err
		}

		e.lock.RLock()
		provider := e.regionProvider
		e.lock.RUnlock()
		if provider == nil || !provider.Enabled() {
			return nil, err
		}

		next, perr := provider.NextBestRegionURL(ctx)
		if perr != nil || next == "" {
			if perr != nil {
				e.params.Logger.Warnw("could not get next region", perr)
			}
			return nil, err
		}

		e.params.Logger.Infow("initial connection failed, retrying with another region", "error", err.Error(), "url", next)
		join, err = e.join(ctx, next, token)
	}
	return join, nil
}

// join runs a single signal join and brings up the required transports.
func (e *RTCEngine) join(ctx context.Context, url string, token string) (*livekit.JoinResponse, error) {
	unlock, err := e.configureLock.Lock(ctx)
	if err != nil {
		return nil, types.NewConnectionError(types.ConnectionErrorCancelled, "join cancelled", err)
	}

	join, err := e.signal.Join(ctx, url, token, e.joinOptions())
	if err != nil {
		unlock()
		return nil, err
	}

	err = e.configure(join)
	unlock()
	if err != nil {
		e.signal.Close()
		return nil, err
	}

	e.lock.Lock()
	e.url = url
	e.joinResponse = join
	pcm := e.pcManager
	e.lock.Unlock()

	if provider := e.getRegionProvider(); provider != nil {
		provider.UpdateToken(token)
	}

	if err := pcm.EnsurePCTransportConnection(ctx, e.conf.RTC.PeerConnectionTimeout); err != nil {
		e.cleanupPeerConnections()
		e.signal.Close()
		return nil, err
	}
	return join, nil
}

// configuredPCManager waits for a configuration in progress to finish.
func (e *RTCEngine) configuredPCManager() *transport.Manager {
	unlock, err := e.configureLock.Lock(context.Background())
	if err != nil {
		return nil
	}
	unlock()
	return e.getPCManager()
}

func (e *RTCEngine) getRegionProvider() *routing.RegionURLProvider {
	e.lock.RLock()
	defer e.lock.RUnlock()
	return e.regionProvider
}

func toICEServers(servers []*livekit.ICEServer) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(servers))
	for _, s := range servers {
		out = append(out, webrtc.ICEServer{
			URLs:       s.GetUrls(),
			Username:   s.GetUsername(),
			Credential: s.GetCredential(),
		})
	}
	return out
}

func (e *RTCEngine) rtcConfiguration(iceServers []*livekit.ICEServer, clientConf *livekit.ClientConfiguration) webrtc.Configuration {
	conf := e.conf.RTC.WebRTCConfiguration(toICEServers(iceServers))
	if clientConf.GetForceRelay() == livekit.ClientConfigSetting_ENABLED {
		conf.ICETransportPolicy = webrtc.ICETransportPolicyRelay
	}
	return conf
}

// configure builds the transports for a join response. The caller holds configureLock.
func (e *RTCEngine) configure(join *livekit.JoinResponse) error {
	e.lock.Lock()
	e.pcGeneration++
	generation := e.pcGeneration
	e.lock.Unlock()

	pcm, err := transport.NewManager(transport.ManagerParams{
		Configuration:      e.rtcConfiguration(join.GetIceServers(), join.GetClientConfiguration()),
		SubscriberPrimary:  join.GetSubscriberPrimary(),
		API:                e.params.API,
		Handler:            &pcManagerHandler{e: e, generation: generation},
		Clock:              e.params.Clock,
		NegotiationTimeout: e.conf.RTC.NegotiationTimeout,
		Logger:             e.params.Logger.WithValues("participant", join.GetParticipant().GetIdentity()),
	})
	if err != nil {
		return err
	}

	e.lock.Lock()
	if e.closing.Load() {
		e.lock.Unlock()
		pcm.Close()
		return types.ErrEngineClosed
	}
	e.pcManager = pcm
	e.pcConnected = false
	e.lock.Unlock()

	if err := e.createDataChannels(pcm.Publisher()); err != nil {
		pcm.Close()
		return err
	}

	if settings := join.GetServerInfo(); settings != nil {
		e.params.Logger.Debugw("configured transports",
			"subscriberPrimary", join.GetSubscriberPrimary(),
			"iceServers", len(join.GetIceServers()),
			"serverRegion", settings.GetRegion(),
		)
	}
	return nil
}

func (e *RTCEngine) cleanupPeerConnections() {
	e.lock.Lock()
	pcm := e.pcManager
	e.pcManager = nil
	e.pcConnected = false
	e.pcGeneration++
	dcs := []*webrtc.DataChannel{e.lossyDC, e.reliableDC, e.subLossyDC, e.subReliableDC}
	e.lossyDC, e.reliableDC, e.subLossyDC, e.subReliableDC = nil, nil, nil, nil
	e.lock.Unlock()

	for _, dc := range dcs {
		if dc != nil {
			dc.OnMessage(func(webrtc.DataChannelMessage) {})
			_ = dc.Close()
		}
	}
	if pcm != nil {
		pcm.Close()
	}
	e.changed.NotifyChanged()
}

// ConnectionState is derived from the signal and transport states.
func (e *RTCEngine) ConnectionState() types.ConnectionState {
	e.stateLock.Lock()
	defer e.stateLock.Unlock()
	return e.connState
}

func (e *RTCEngine) connectionInputs() types.ConnectionInputs {
	e.lock.RLock()
	reconnecting := e.reconnecting
	pcm := e.pcManager
	e.lock.RUnlock()

	pcState := types.PCTransportStateNew
	if pcm != nil {
		pcState = pcm.State()
	}
	return types.ConnectionInputs{
		Closed:         e.closing.Load(),
		Reconnecting:   reconnecting,
		Signal:         e.signal.State(),
		PeerConnection: pcState,
	}
}

func (e *RTCEngine) updateConnectionState() {
	in := e.connectionInputs()

	e.stateLock.Lock()
	in.EverConnected = e.everConnected
	state := types.DeriveConnectionState(in)
	if state == e.connState {
		e.stateLock.Unlock()
		return
	}
	prev := e.connState
	e.connState = state
	// emitted under the lock so state events stay ordered
	e.emit(ConnectionStateChangedEvent{State: state})
	e.stateLock.Unlock()

	e.params.Logger.Debugw("connection state changed", "from", prev.String(), "to", state.String())
}

// waitUntil blocks until cond holds, woken by transport or data channel changes.
func (e *RTCEngine) waitUntil(ctx context.Context, pcm *transport.Manager, cond func() bool) error {
	for {
		pcChanged := pcm.Watch()
		engineChanged := e.changed.Watch()
		if cond() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-e.closed.Watch():
			return types.ErrEngineClosed
		case <-pcChanged:
		case <-engineChanged:
		}
	}
}

// Close leaves the room and tears the session down. Only the first call has an effect.
func (e *RTCEngine) Close() {
	e.close(DisconnectedEvent{Reason: DisconnectReasonClientInitiated})
}

func (e *RTCEngine) close(ev DisconnectedEvent) {
	if !e.closing.CompareAndSwap(false, true) {
		return
	}
	e.params.Logger.Infow("closing engine", "reason", ev.Reason.String(), "error", ev.Err)

	e.lock.Lock()
	e.reconnectSeq++
	if e.reconnectTimer != nil {
		e.reconnectTimer.Stop()
		e.reconnectTimer = nil
	}
	if e.reconnectCancel != nil {
		e.reconnectCancel()
		e.reconnectCancel = nil
	}
	if ev.RetryCount == 0 {
		ev.RetryCount = e.reconnectAttempts
	}
	e.reconnecting = false
	e.lock.Unlock()

	if ev.Reason == DisconnectReasonClientInitiated && e.signal.State() == types.SignalConnectionStateConnected {
		if err := e.signal.SendLeave(); err != nil {
			e.params.Logger.Debugw("could not send leave", "error", err)
		}
	}

	e.pendingTracks.rejectAll(types.ErrEngineClosed)
	e.cleanupPeerConnections()
	e.signal.Close()
	e.signalQueue.Stop()
	e.dataQueue.Stop()
	e.closed.Break()

	e.updateConnectionState()
	e.emit(ev)
	e.events.close()
}
