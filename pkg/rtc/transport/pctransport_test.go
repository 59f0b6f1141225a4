package transport

import (
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/livekit/protocol/livekit"

	"github.com/livekit/livekit-session/pkg/testutils"
)

type testTransportHandler struct {
	UnimplementedHandler

	lock        sync.Mutex
	onOffer     func(sd webrtc.SessionDescription) error
	onAnswer    func(sd webrtc.SessionDescription) error
	onCandidate func(c *webrtc.ICECandidate) error

	offers            atomic.Int32
	negotiationFailed atomic.Int32
	lastOffer         *webrtc.SessionDescription
	dropOffers        int
}

func (h *testTransportHandler) setOnOffer(f func(sd webrtc.SessionDescription) error) {
	h.lock.Lock()
	h.onOffer = f
	h.lock.Unlock()
}

// dropNextOffers makes the next n offers go unanswered.
func (h *testTransportHandler) dropNextOffers(n int) {
	h.lock.Lock()
	h.dropOffers = n
	h.lock.Unlock()
}

func (h *testTransportHandler) OnOffer(sd webrtc.SessionDescription) error {
	h.offers.Inc()
	h.lock.Lock()
	h.lastOffer = &sd
	f := h.onOffer
	if h.dropOffers > 0 {
		h.dropOffers--
		f = nil
	}
	h.lock.Unlock()
	if f == nil {
		return nil
	}
	return f(sd)
}

func (h *testTransportHandler) OnAnswer(sd webrtc.SessionDescription) error {
	h.lock.Lock()
	f := h.onAnswer
	h.lock.Unlock()
	if f == nil {
		return nil
	}
	return f(sd)
}

func (h *testTransportHandler) OnICECandidate(c *webrtc.ICECandidate, target livekit.SignalTarget) error {
	h.lock.Lock()
	f := h.onCandidate
	h.lock.Unlock()
	if f == nil {
		return nil
	}
	return f(c)
}

func (h *testTransportHandler) OnNegotiationFailed() {
	h.negotiationFailed.Inc()
}

func (h *testTransportHandler) getLastOffer() *webrtc.SessionDescription {
	h.lock.Lock()
	defer h.lock.Unlock()
	return h.lastOffer
}

func newTestTransport(t *testing.T, target livekit.SignalTarget, clk clock.Clock) (*PCTransport, *testTransportHandler) {
	h := &testTransportHandler{}
	tr, err := NewPCTransport(TransportParams{
		Target:  target,
		Handler: h,
		Clock:   clk,
	})
	require.NoError(t, err)
	t.Cleanup(tr.Close)
	return tr, h
}

// connectToAnswerer routes offers and candidates of a publisher transport to a remote answerer.
func connectToAnswerer(t *testing.T, tr *PCTransport, h *testTransportHandler) (*testutils.Answerer, func(sd webrtc.SessionDescription) error) {
	answerer, err := testutils.NewAnswerer(func(c webrtc.ICECandidateInit) {
		_ = tr.AddICECandidate(c)
	})
	require.NoError(t, err)
	t.Cleanup(answerer.Close)

	h.lock.Lock()
	h.onCandidate = func(c *webrtc.ICECandidate) error {
		return answerer.AddICECandidate(c.ToJSON())
	}
	h.lock.Unlock()

	handleOffer := func(sd webrtc.SessionDescription) error {
		answer, err := answerer.HandleOffer(sd)
		if err != nil {
			return err
		}
		return tr.SetRemoteDescription(answer)
	}
	h.setOnOffer(handleOffer)
	return answerer, handleOffer
}

func TestNegotiationCoalescing(t *testing.T) {
	transportA, h := newTestTransport(t, livekit.SignalTarget_PUBLISHER, nil)
	_, err := transportA.CreateDataChannel("test", nil)
	require.NoError(t, err)

	// initial offer
	transportA.Negotiate()
	require.Equal(t, NegotiationStateRemote, transportA.NegotiationState())

	// second try, should've flipped transport status to retry
	transportA.Negotiate()
	require.Equal(t, NegotiationStateRetry, transportA.NegotiationState())

	// third try, should've stayed at retry
	transportA.Negotiate()
	require.Equal(t, NegotiationStateRetry, transportA.NegotiationState())

	require.Eventually(t, func() bool { return h.offers.Load() == 1 }, time.Second, 5*time.Millisecond)
	firstOffer := h.getLastOffer()

	answerer, err := testutils.NewAnswerer(nil)
	require.NoError(t, err)
	t.Cleanup(answerer.Close)
	answer, err := answerer.HandleOffer(*firstOffer)
	require.NoError(t, err)
	require.NoError(t, transportA.SetRemoteDescription(answer))

	// the pending token produced exactly one follow up offer
	require.Equal(t, NegotiationStateRemote, transportA.NegotiationState())
	require.Eventually(t, func() bool { return h.offers.Load() == 2 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	require.EqualValues(t, 2, h.offers.Load())
	require.NotSame(t, firstOffer, h.getLastOffer())
}

func TestNegotiationTimeout(t *testing.T) {
	mock := clock.NewMock()
	transportA, h := newTestTransport(t, livekit.SignalTarget_PUBLISHER, mock)
	_, err := transportA.CreateDataChannel("test", nil)
	require.NoError(t, err)

	transportA.Negotiate()
	mock.Add(DefaultNegotiationTimeout - time.Second)
	time.Sleep(10 * time.Millisecond)
	require.Zero(t, h.negotiationFailed.Load())

	mock.Add(time.Second)
	require.Eventually(t, func() bool { return h.negotiationFailed.Load() == 1 }, time.Second, 5*time.Millisecond)
}

func TestNegotiationAnsweredInTime(t *testing.T) {
	mock := clock.NewMock()
	transportA, h := newTestTransport(t, livekit.SignalTarget_PUBLISHER, mock)
	_, err := transportA.CreateDataChannel("test", nil)
	require.NoError(t, err)
	connectToAnswerer(t, transportA, h)

	transportA.Negotiate()
	require.Eventually(t, func() bool {
		return transportA.NegotiationState() == NegotiationStateNone
	}, time.Second, 5*time.Millisecond)

	mock.Add(2 * DefaultNegotiationTimeout)
	time.Sleep(10 * time.Millisecond)
	require.Zero(t, h.negotiationFailed.Load())
}

func TestMissingAnswerDuringICERestart(t *testing.T) {
	transportA, h := newTestTransport(t, livekit.SignalTarget_PUBLISHER, nil)
	_, err := transportA.CreateDataChannel("test", nil)
	require.NoError(t, err)
	answerer, _ := connectToAnswerer(t, transportA, h)

	// first establish connection
	transportA.Negotiate()
	testutils.WithTimeout(t, func() string {
		if transportA.PeerConnection().ICEConnectionState() != webrtc.ICEConnectionStateConnected {
			return "transportA did not become connected"
		}
		if answerer.PC.ICEConnectionState() != webrtc.ICEConnectionStateConnected {
			return "answerer did not become connected"
		}
		return ""
	})

	// offer again, but missed
	offersBefore := h.offers.Load()
	h.dropNextOffers(1)
	transportA.Negotiate()
	require.Equal(t, webrtc.SignalingStateHaveLocalOffer, transportA.PeerConnection().SignalingState())
	require.Equal(t, NegotiationStateRemote, transportA.NegotiationState())
	require.Eventually(t, func() bool { return h.offers.Load() == offersBefore+1 }, time.Second, 5*time.Millisecond)

	// now restart ICE, this offer is answered
	require.NoError(t, transportA.CreateAndSendOffer(&webrtc.OfferOptions{ICERestart: true}))

	testutils.WithTimeout(t, func() string {
		if transportA.NegotiationState() != NegotiationStateNone {
			return "restart offer was not answered"
		}
		if transportA.PeerConnection().ICEConnectionState() != webrtc.ICEConnectionStateConnected {
			return "transportA did not reconnect after ICE restart"
		}
		return ""
	})
}

func TestOffersDeliveredInOrder(t *testing.T) {
	transportA, h := newTestTransport(t, livekit.SignalTarget_PUBLISHER, nil)
	_, err := transportA.CreateDataChannel("test", nil)
	require.NoError(t, err)

	answerer, err := testutils.NewAnswerer(nil)
	require.NoError(t, err)
	t.Cleanup(answerer.Close)

	var (
		lock     sync.Mutex
		received []webrtc.SessionDescription
		once     sync.Once
	)
	release := make(chan struct{})
	unblock := func() { once.Do(func() { close(release) }) }
	t.Cleanup(unblock)

	// the first delivery blocks until released
	h.setOnOffer(func(sd webrtc.SessionDescription) error {
		lock.Lock()
		received = append(received, sd)
		first := len(received) == 1
		lock.Unlock()
		if first {
			<-release
		}
		return nil
	})
	getReceived := func() []webrtc.SessionDescription {
		lock.Lock()
		defer lock.Unlock()
		return append([]webrtc.SessionDescription(nil), received...)
	}

	transportA.Negotiate()
	require.Eventually(t, func() bool { return len(getReceived()) == 1 }, time.Second, 5*time.Millisecond)

	answer, err := answerer.HandleOffer(getReceived()[0])
	require.NoError(t, err)
	require.NoError(t, transportA.SetRemoteDescription(answer))

	// the next offer waits behind the one still being delivered
	transportA.Negotiate()
	require.Equal(t, NegotiationStateRemote, transportA.NegotiationState())
	time.Sleep(50 * time.Millisecond)
	require.Len(t, getReceived(), 1)

	unblock()
	require.Eventually(t, func() bool { return len(getReceived()) == 2 }, time.Second, 5*time.Millisecond)
	offers := getReceived()
	require.NotEqual(t, offers[0].SDP, offers[1].SDP)
}

func TestPendingCandidates(t *testing.T) {
	transportA, _ := newTestTransport(t, livekit.SignalTarget_SUBSCRIBER, nil)

	candidate := webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 2130706431 10.0.0.1 5000 typ host"}
	require.NoError(t, transportA.AddICECandidate(candidate))

	transportA.lock.RLock()
	require.Len(t, transportA.pendingCandidates, 1)
	transportA.lock.RUnlock()

	// remote offer from a server side peer connection
	remote, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = remote.Close() })
	_, err = remote.CreateDataChannel("test", nil)
	require.NoError(t, err)
	offer, err := remote.CreateOffer(nil)
	require.NoError(t, err)
	require.NoError(t, remote.SetLocalDescription(offer))

	transportA.MarkICERestart()
	// flushing may reject the made up candidate, the description still applies
	_ = transportA.SetRemoteDescription(offer)
	require.NotNil(t, transportA.PeerConnection().RemoteDescription())

	transportA.lock.RLock()
	require.Empty(t, transportA.pendingCandidates)
	require.False(t, transportA.restartingICE)
	transportA.lock.RUnlock()

	// restart pending, candidates wait for the next offer
	transportA.MarkICERestart()
	require.NoError(t, transportA.AddICECandidate(candidate))
	transportA.lock.RLock()
	require.Len(t, transportA.pendingCandidates, 1)
	transportA.lock.RUnlock()
}

func TestCreateAndSendAnswer(t *testing.T) {
	transportA, h := newTestTransport(t, livekit.SignalTarget_SUBSCRIBER, nil)
	answers := make(chan webrtc.SessionDescription, 1)
	h.lock.Lock()
	h.onAnswer = func(sd webrtc.SessionDescription) error {
		answers <- sd
		return nil
	}
	h.lock.Unlock()

	remote, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = remote.Close() })
	_, err = remote.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio)
	require.NoError(t, err)
	offer, err := remote.CreateOffer(nil)
	require.NoError(t, err)
	require.NoError(t, remote.SetLocalDescription(offer))

	require.NoError(t, transportA.SetRemoteDescription(offer))
	require.NoError(t, transportA.CreateAndSendAnswer())

	select {
	case answer := <-answers:
		require.Equal(t, webrtc.SDPTypeAnswer, answer.Type)
		require.NoError(t, remote.SetRemoteDescription(answer))
	case <-time.After(time.Second):
		t.Fatal("no answer")
	}
}

func TestClosedTransportDoesNotOffer(t *testing.T) {
	transportA, h := newTestTransport(t, livekit.SignalTarget_PUBLISHER, nil)
	transportA.Close()
	require.True(t, transportA.IsClosed())

	require.ErrorIs(t, transportA.CreateAndSendOffer(nil), ErrTransportClosed)
	time.Sleep(10 * time.Millisecond)
	require.Zero(t, h.offers.Load())
}
