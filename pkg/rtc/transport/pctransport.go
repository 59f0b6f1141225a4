package transport

import (
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v3"
	"go.uber.org/atomic"

	"github.com/livekit/protocol/livekit"
	"github.com/livekit/protocol/logger"

	"github.com/livekit/livekit-session/pkg/telemetry/prometheus"
	"github.com/livekit/livekit-session/pkg/utils"
)

const (
	LossyDataChannel    = "_lossy"
	ReliableDataChannel = "_reliable"

	DefaultNegotiationTimeout = 15 * time.Second
)

var (
	ErrIceRestartWithoutLocalSDP = errors.New("ICE restart without local SDP settled")
	ErrTransportClosed           = errors.New("transport is closed")
)

type TransportParams struct {
	Target             livekit.SignalTarget
	Configuration      webrtc.Configuration
	API                *webrtc.API
	Handler            Handler
	Clock              clock.Clock
	NegotiationTimeout time.Duration
	Logger             logger.Logger
}

// PCTransport is a wrapper around PeerConnection, with some helper methods
type PCTransport struct {
	params TransportParams
	pc     *webrtc.PeerConnection

	// offers and answers leave in the order they were created
	signalQueue *utils.OpsQueue

	lock sync.RWMutex

	pendingCandidates []webrtc.ICECandidateInit
	restartingICE     bool

	negotiationState      NegotiationState
	negotiateCounter      atomic.Int32
	negotiationTimer      *clock.Timer
	restartAfterGathering bool
	restartAtNextOffer    bool

	trackBitrates []TrackBitrateInfo
	ddExtID       int

	// from the last remote offer
	remoteStereoMids map[string]bool
	remoteNackMids   map[string]bool

	connectedAt time.Time
	closed      atomic.Bool
}

func NewPCTransport(params TransportParams) (*PCTransport, error) {
	if params.Handler == nil {
		params.Handler = UnimplementedHandler{}
	}
	if params.Clock == nil {
		params.Clock = clock.New()
	}
	if params.NegotiationTimeout <= 0 {
		params.NegotiationTimeout = DefaultNegotiationTimeout
	}
	if params.Logger == nil {
		params.Logger = logger.GetLogger()
	}
	params.Logger = params.Logger.WithValues("transport", params.Target)

	t := &PCTransport{
		params:           params,
		negotiationState: NegotiationStateNone,
		signalQueue: utils.NewOpsQueue(utils.OpsQueueParams{
			Name:   params.Target.String() + "-signal",
			Logger: params.Logger,
		}),
	}
	if err := t.createPeerConnection(); err != nil {
		return nil, err
	}
	t.signalQueue.Start()
	return t, nil
}

func (t *PCTransport) createPeerConnection() error {
	api := t.params.API
	if api == nil {
		var err error
		api, err = NewAPI(APIParams{Logger: t.params.Logger})
		if err != nil {
			return err
		}
	}

	pc, err := api.NewPeerConnection(t.params.Configuration)
	if err != nil {
		return err
	}

	t.pc = pc
	t.pc.OnICEGatheringStateChange(t.onICEGatheringStateChange)
	t.pc.OnICECandidate(t.onICECandidateTrickle)
	t.pc.OnConnectionStateChange(t.onPeerConnectionStateChange)
	t.pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		t.params.Handler.OnTrack(track, receiver)
	})
	t.pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		t.params.Logger.Debugw("remote data channel added", "label", dc.Label())
		t.params.Handler.OnDataChannel(dc)
	})
	return nil
}

func (t *PCTransport) Logger() logger.Logger {
	return t.params.Logger
}

func (t *PCTransport) Target() livekit.SignalTarget {
	return t.params.Target
}

func (t *PCTransport) PeerConnection() *webrtc.PeerConnection {
	return t.pc
}

func (t *PCTransport) ConnectionState() webrtc.PeerConnectionState {
	return t.pc.ConnectionState()
}

func (t *PCTransport) IsConnected() bool {
	return t.pc.ConnectionState() == webrtc.PeerConnectionStateConnected
}

func (t *PCTransport) NegotiationState() NegotiationState {
	t.lock.RLock()
	defer t.lock.RUnlock()

	return t.negotiationState
}

func (t *PCTransport) onICEGatheringStateChange(state webrtc.ICEGathererState) {
	if state != webrtc.ICEGathererStateComplete {
		return
	}

	go func() {
		t.lock.Lock()
		if !t.restartAfterGathering {
			t.lock.Unlock()
			return
		}

		t.params.Logger.Debugw("restarting ICE after ICE gathering")
		prev := t.negotiationState
		if err := t.createAndSendOffer(&webrtc.OfferOptions{ICERestart: true}); err != nil {
			t.params.Logger.Warnw("could not restart ICE", err)
		}
		state := t.negotiationState
		t.lock.Unlock()

		if state != prev {
			t.params.Handler.OnNegotiationStateChanged(state)
		}
	}()
}

func (t *PCTransport) onICECandidateTrickle(c *webrtc.ICECandidate) {
	if c == nil {
		return
	}
	if err := t.params.Handler.OnICECandidate(c, t.params.Target); err != nil {
		t.params.Logger.Warnw("could not relay ICE candidate", err, "candidate", c.String())
	}
}

func (t *PCTransport) onPeerConnectionStateChange(state webrtc.PeerConnectionState) {
	t.params.Logger.Debugw("peer connection state change", "state", state.String())
	if state == webrtc.PeerConnectionStateConnected {
		t.lock.Lock()
		if t.connectedAt.IsZero() {
			t.connectedAt = t.params.Clock.Now()
			prometheus.RecordOperation("peer_connection", nil, t.params.Target.String())
		}
		t.lock.Unlock()
	}
	t.params.Handler.OnStateChange(state)
}

// MarkICERestart makes remote candidates wait for the next remote description, which
// will carry the restarted credentials.
func (t *PCTransport) MarkICERestart() {
	t.lock.Lock()
	t.restartingICE = true
	t.lock.Unlock()
}

func (t *PCTransport) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	t.lock.Lock()
	if t.pc.RemoteDescription() == nil || t.restartingICE {
		t.pendingCandidates = append(t.pendingCandidates, candidate)
		t.lock.Unlock()
		return nil
	}
	t.lock.Unlock()

	t.params.Logger.Debugw("add candidate", "candidate", candidate.Candidate)
	return t.pc.AddICECandidate(candidate)
}

func (t *PCTransport) SetTrackCodecBitrate(info TrackBitrateInfo) {
	t.lock.Lock()
	t.trackBitrates = append(t.trackBitrates, info)
	t.lock.Unlock()
}

func (t *PCTransport) RemoveTrackCodecBitrate(cid string) {
	t.lock.Lock()
	defer t.lock.Unlock()

	kept := t.trackBitrates[:0]
	for _, tb := range t.trackBitrates {
		if tb.Cid != cid {
			kept = append(kept, tb)
		}
	}
	t.trackBitrates = kept
}

func (t *PCTransport) SetConfiguration(config webrtc.Configuration) error {
	return t.pc.SetConfiguration(config)
}

func (t *PCTransport) CreateDataChannel(label string, dci *webrtc.DataChannelInit) (*webrtc.DataChannel, error) {
	return t.pc.CreateDataChannel(label, dci)
}

// AddTrack adds a send only transceiver for a local track. The caller negotiates.
func (t *PCTransport) AddTrack(track webrtc.TrackLocal) (*webrtc.RTPTransceiver, error) {
	if t.closed.Load() {
		return nil, ErrTransportClosed
	}
	return t.pc.AddTransceiverFromTrack(track, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionSendonly,
	})
}

func (t *PCTransport) RemoveTrack(sender *webrtc.RTPSender) error {
	if t.closed.Load() {
		return ErrTransportClosed
	}
	return t.pc.RemoveTrack(sender)
}

func (t *PCTransport) Close() {
	if !t.closed.CompareAndSwap(false, true) {
		return
	}

	t.lock.Lock()
	if t.negotiationTimer != nil {
		t.negotiationTimer.Stop()
		t.negotiationTimer = nil
	}
	t.pendingCandidates = nil
	t.lock.Unlock()

	t.signalQueue.Stop()
	_ = t.pc.Close()
}

func (t *PCTransport) IsClosed() bool {
	return t.closed.Load()
}

func (t *PCTransport) SetRemoteDescription(sd webrtc.SessionDescription) error {
	t.lock.Lock()

	switch sd.Type {
	case webrtc.SDPTypeOffer:
		if parsed, err := sd.Unmarshal(); err == nil {
			t.remoteStereoMids, t.remoteNackMids = extractStereoAndNackAudio(parsed)
		}
	case webrtc.SDPTypeAnswer:
		trackBitrates := t.trackBitrates
		munged, err := mungeDescription(sd, func(parsed *sdp.SessionDescription) {
			mungeRemoteAnswer(parsed, trackBitrates)
		})
		if err != nil {
			t.params.Logger.Warnw("could not munge remote answer", err)
		} else {
			sd = munged
		}
	}

	if err := t.pc.SetRemoteDescription(sd); err != nil {
		t.lock.Unlock()
		prometheus.RecordOperation("remote_description", err, sd.Type.String())
		return err
	}

	// negotiated, reset flag
	lastState := t.negotiationState
	t.negotiationState = NegotiationStateNone
	t.restartingICE = false
	if t.negotiationTimer != nil {
		t.negotiationTimer.Stop()
		t.negotiationTimer = nil
	}

	var flushErr error
	for _, c := range t.pendingCandidates {
		if err := t.pc.AddICECandidate(c); err != nil {
			t.params.Logger.Warnw("could not add pending candidate", err, "candidate", c.Candidate)
			flushErr = err
		}
	}
	t.pendingCandidates = nil

	// only initiate when we are the offerer
	if lastState == NegotiationStateRetry && sd.Type == webrtc.SDPTypeAnswer {
		t.params.Logger.Debugw("re-negotiate after receiving answer")
		if err := t.createAndSendOffer(nil); err != nil {
			t.params.Logger.Errorw("could not negotiate", err)
		}
	}
	state := t.negotiationState
	t.lock.Unlock()

	if state != lastState {
		t.params.Handler.OnNegotiationStateChanged(state)
	}
	return flushErr
}

// Negotiate sends an offer, or records that one is due when an offer is outstanding.
func (t *PCTransport) Negotiate() {
	if err := t.CreateAndSendOffer(nil); err != nil {
		t.params.Logger.Errorw("could not negotiate", err)
	}
}

func (t *PCTransport) CreateAndSendAnswer() error {
	t.lock.Lock()
	defer t.lock.Unlock()

	answer, err := t.pc.CreateAnswer(nil)
	if err != nil {
		prometheus.RecordOperation("answer", err, "create")
		return err
	}

	if err = t.pc.SetLocalDescription(answer); err != nil {
		prometheus.RecordOperation("answer", err, "local_description")
		return err
	}

	//
	// Munge after setting local description as pion expects the answer
	// to match between CreateAnswer and SetLocalDescription.
	//
	stereoMids, nackMids := t.remoteStereoMids, t.remoteNackMids
	munged, err := mungeDescription(answer, func(parsed *sdp.SessionDescription) {
		mungeAnswer(parsed, stereoMids, nackMids)
	})
	if err != nil {
		t.params.Logger.Warnw("could not munge answer", err)
	} else {
		answer = munged
	}

	t.signalQueue.Enqueue(func() {
		if err := t.params.Handler.OnAnswer(answer); err != nil {
			t.params.Logger.Warnw("could not send answer", err)
		}
	})
	return nil
}

func (t *PCTransport) CreateAndSendOffer(options *webrtc.OfferOptions) error {
	t.lock.Lock()
	prev := t.negotiationState
	err := t.createAndSendOffer(options)
	state := t.negotiationState
	t.lock.Unlock()

	if state != prev {
		t.params.Handler.OnNegotiationStateChanged(state)
	}
	return err
}

// creates and sends offer assuming lock has been acquired
func (t *PCTransport) createAndSendOffer(options *webrtc.OfferOptions) error {
	if t.closed.Load() || t.pc.ConnectionState() == webrtc.PeerConnectionStateClosed {
		return ErrTransportClosed
	}

	iceRestart := (options != nil && options.ICERestart) || t.restartAtNextOffer

	// if restart is requested, and we are not ready, then continue afterwards
	if iceRestart {
		if t.pc.ICEGatheringState() == webrtc.ICEGatheringStateGathering {
			t.params.Logger.Debugw("restart ICE after gathering")
			t.restartAfterGathering = true
			return nil
		}
		t.params.Logger.Debugw("restarting ICE")
	}

	if iceRestart && t.negotiationState != NegotiationStateNone {
		currentSD := t.pc.CurrentRemoteDescription()
		if currentSD == nil {
			// restart without current remote description, send current local description again to try recover
			offer := t.pc.LocalDescription()
			if offer == nil {
				t.params.Logger.Warnw("ice restart without local offer", nil)
				return ErrIceRestartWithoutLocalSDP
			}
			t.negotiationState = NegotiationStateRetry
			t.restartAtNextOffer = true
			t.sendOffer(*offer)
			return nil
		}

		// recover by re-applying the last answer
		t.params.Logger.Infow("recovering from outstanding negotiation on ICE restart")
		if err := t.pc.SetRemoteDescription(*currentSD); err != nil {
			prometheus.RecordOperation("offer", err, "remote_description")
			return err
		}
	} else {
		// when there's an ongoing negotiation, let it finish and not disrupt its state
		if t.negotiationState == NegotiationStateRemote {
			t.params.Logger.Debugw("skipping negotiation, trying again later")
			t.negotiationState = NegotiationStateRetry
			return nil
		} else if t.negotiationState == NegotiationStateRetry {
			// already set to retry, we can safely skip this attempt
			return nil
		}
	}

	if t.restartAtNextOffer || iceRestart {
		t.restartAtNextOffer = false
		if options == nil {
			options = &webrtc.OfferOptions{}
		}
		options.ICERestart = true
	}

	offer, err := t.pc.CreateOffer(options)
	if err != nil {
		prometheus.RecordOperation("offer", err, "create")
		t.params.Logger.Errorw("could not create offer", err)
		return err
	}

	if err = t.pc.SetLocalDescription(offer); err != nil {
		prometheus.RecordOperation("offer", err, "local_description")
		t.params.Logger.Errorw("could not set local description", err)
		return err
	}

	munged, err := mungeDescription(offer, func(parsed *sdp.SessionDescription) {
		mungeOffer(parsed, t.trackBitrates, &t.ddExtID)
	})
	if err != nil {
		t.params.Logger.Warnw("could not munge offer", err)
	} else {
		offer = munged
	}

	// indicate waiting for remote
	t.negotiationState = NegotiationStateRemote
	t.restartAfterGathering = false

	negotiateVersion := t.negotiateCounter.Inc()
	if t.negotiationTimer != nil {
		t.negotiationTimer.Stop()
	}
	t.negotiationTimer = t.params.Clock.AfterFunc(t.params.NegotiationTimeout, func() {
		t.lock.RLock()
		failed := t.negotiationState != NegotiationStateNone && !t.closed.Load()
		t.lock.RUnlock()
		if t.negotiateCounter.Load() == negotiateVersion && failed {
			t.params.Logger.Warnw("negotiation timed out", nil, "timeout", t.params.NegotiationTimeout)
			prometheus.RecordOperation("negotiate", errNegotiationTimeout, "timeout")
			t.params.Handler.OnNegotiationFailed()
		}
	})

	t.sendOffer(offer)
	return nil
}

var errNegotiationTimeout = errors.New("negotiation timed out")

// sendOffer runs outside the transport lock, the handler may call back into the transport.
func (t *PCTransport) sendOffer(offer webrtc.SessionDescription) {
	t.signalQueue.Enqueue(func() {
		if err := t.params.Handler.OnOffer(offer); err != nil {
			t.params.Logger.Warnw("could not send offer", err)
		}
	})
}
