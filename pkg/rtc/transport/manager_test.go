package transport

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/require"

	"github.com/livekit/protocol/livekit"

	"github.com/livekit/livekit-session/pkg/rtc/types"
	"github.com/livekit/livekit-session/pkg/testutils"
)

func TestAggregateState(t *testing.T) {
	const (
		pcNew          = webrtc.PeerConnectionStateNew
		pcConnecting   = webrtc.PeerConnectionStateConnecting
		pcConnected    = webrtc.PeerConnectionStateConnected
		pcDisconnected = webrtc.PeerConnectionStateDisconnected
		pcFailed       = webrtc.PeerConnectionStateFailed
		pcClosed       = webrtc.PeerConnectionStateClosed
	)

	testCases := []struct {
		name     string
		prev     types.PCTransportState
		states   []webrtc.PeerConnectionState
		expected types.PCTransportState
	}{
		{"nothing required", types.PCTransportStateNew, nil, types.PCTransportStateConnected},
		{"all connected", types.PCTransportStateConnecting, []webrtc.PeerConnectionState{pcConnected, pcConnected}, types.PCTransportStateConnected},
		{"one failed", types.PCTransportStateConnected, []webrtc.PeerConnectionState{pcConnected, pcFailed}, types.PCTransportStateFailed},
		{"failed wins over connecting", types.PCTransportStateConnecting, []webrtc.PeerConnectionState{pcConnecting, pcFailed}, types.PCTransportStateFailed},
		{"one connecting", types.PCTransportStateNew, []webrtc.PeerConnectionState{pcConnected, pcConnecting}, types.PCTransportStateConnecting},
		{"all closed", types.PCTransportStateConnected, []webrtc.PeerConnectionState{pcClosed, pcClosed}, types.PCTransportStateClosed},
		{"one closed", types.PCTransportStateConnected, []webrtc.PeerConnectionState{pcConnected, pcClosed}, types.PCTransportStateClosing},
		{"all new", types.PCTransportStateConnected, []webrtc.PeerConnectionState{pcNew, pcNew}, types.PCTransportStateNew},
		{"disconnected keeps previous", types.PCTransportStateConnected, []webrtc.PeerConnectionState{pcConnected, pcDisconnected}, types.PCTransportStateConnected},
		{"new and connected keeps previous", types.PCTransportStateConnecting, []webrtc.PeerConnectionState{pcNew, pcConnected}, types.PCTransportStateConnecting},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.expected, AggregateState(tc.prev, tc.states))
		})
	}
}

type testManagerHandler struct {
	lock       sync.Mutex
	m          *Manager
	answerer   *testutils.Answerer
	dropOffers bool
	states     []types.PCTransportState
}

func (h *testManagerHandler) OnStateChange(state types.PCTransportState, _ webrtc.PeerConnectionState, _ webrtc.PeerConnectionState) {
	h.lock.Lock()
	h.states = append(h.states, state)
	h.lock.Unlock()
}

func (h *testManagerHandler) OnICECandidate(c *webrtc.ICECandidate, target livekit.SignalTarget) error {
	h.lock.Lock()
	answerer := h.answerer
	h.lock.Unlock()
	if target != livekit.SignalTarget_PUBLISHER || answerer == nil {
		return nil
	}
	return answerer.AddICECandidate(c.ToJSON())
}

func (h *testManagerHandler) OnPublisherOffer(sd webrtc.SessionDescription) error {
	h.lock.Lock()
	drop := h.dropOffers
	h.lock.Unlock()
	if drop {
		return nil
	}
	answer, err := h.answerer.HandleOffer(sd)
	if err != nil {
		return err
	}
	return h.m.SetPublisherAnswer(answer)
}

func (h *testManagerHandler) OnSubscriberAnswer(sd webrtc.SessionDescription) error {
	return nil
}

func (h *testManagerHandler) OnNegotiationFailed(target livekit.SignalTarget) {}

func (h *testManagerHandler) OnTrack(track *webrtc.TrackRemote, rtpReceiver *webrtc.RTPReceiver) {}

func (h *testManagerHandler) OnDataChannel(dc *webrtc.DataChannel, target livekit.SignalTarget) {}

func (h *testManagerHandler) lastState() types.PCTransportState {
	h.lock.Lock()
	defer h.lock.Unlock()
	if len(h.states) == 0 {
		return types.PCTransportStateNew
	}
	return h.states[len(h.states)-1]
}

func newTestManager(t *testing.T, subscriberPrimary bool) (*Manager, *testManagerHandler) {
	h := &testManagerHandler{}
	m, err := NewManager(ManagerParams{
		SubscriberPrimary: subscriberPrimary,
		Handler:           h,
	})
	require.NoError(t, err)
	t.Cleanup(m.Close)

	answerer, err := testutils.NewAnswerer(func(c webrtc.ICECandidateInit) {
		_ = m.AddICECandidate(c, livekit.SignalTarget_PUBLISHER)
	})
	require.NoError(t, err)
	t.Cleanup(answerer.Close)

	h.lock.Lock()
	h.m = m
	h.answerer = answerer
	h.lock.Unlock()
	return m, h
}

func TestManagerRequiredTransports(t *testing.T) {
	m, _ := newTestManager(t, false)
	require.True(t, m.IsPublisherRequired())

	sm, _ := newTestManager(t, true)
	require.False(t, sm.IsPublisherRequired())
	sm.RequirePublisher(true)
	require.True(t, sm.IsPublisherRequired())
	sm.RequirePublisher(false)
	require.False(t, sm.IsPublisherRequired())

	// publisher primary sessions always require the publisher
	m.RequirePublisher(false)
	require.True(t, m.IsPublisherRequired())
}

func TestEnsurePCTransportConnection(t *testing.T) {
	m, h := newTestManager(t, false)
	_, err := m.Publisher().CreateDataChannel(ReliableDataChannel, nil)
	require.NoError(t, err)

	require.NoError(t, m.EnsurePCTransportConnection(context.Background(), 10*time.Second))
	require.Equal(t, types.PCTransportStateConnected, m.State())
	require.Equal(t, types.PCTransportStateConnected, h.lastState())

	// the subscriber is not required and never negotiated
	require.Equal(t, webrtc.PeerConnectionStateNew, m.Subscriber().ConnectionState())

	// already connected returns right away
	require.NoError(t, m.EnsurePCTransportConnection(context.Background(), time.Millisecond))

	m.Close()
	require.Equal(t, types.PCTransportStateClosed, m.State())
}

func TestEnsurePCTransportConnectionTimeout(t *testing.T) {
	mock := clock.NewMock()
	// offers are swallowed, the publisher never connects
	h := &testManagerHandler{dropOffers: true}
	m, err := NewManager(ManagerParams{
		Handler: h,
		Clock:   mock,
	})
	require.NoError(t, err)
	t.Cleanup(m.Close)
	_, err = m.Publisher().CreateDataChannel(ReliableDataChannel, nil)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		done <- m.EnsurePCTransportConnection(context.Background(), 5*time.Second)
	}()

	testutils.WithTimeout(t, func() string {
		mock.Add(time.Second)
		select {
		case err := <-done:
			var connErr *types.ConnectionError
			require.ErrorAs(t, err, &connErr)
			require.Equal(t, types.ConnectionErrorTimeout, connErr.Reason)
			return ""
		default:
			return "still waiting"
		}
	})
}

func TestEnsurePCTransportConnectionCancelled(t *testing.T) {
	m, _ := newTestManager(t, true)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := m.EnsurePCTransportConnection(ctx, 10*time.Second)
	var connErr *types.ConnectionError
	require.ErrorAs(t, err, &connErr)
	require.Equal(t, types.ConnectionErrorCancelled, connErr.Reason)
}

func TestManagerNegotiate(t *testing.T) {
	m, _ := newTestManager(t, false)
	_, err := m.Publisher().CreateDataChannel(LossyDataChannel, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, m.Negotiate(ctx))
	require.Equal(t, NegotiationStateNone, m.Publisher().NegotiationState())
}
