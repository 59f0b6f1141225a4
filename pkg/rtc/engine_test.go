package rtc

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/require"

	"github.com/livekit/protocol/livekit"

	"github.com/livekit/livekit-session/pkg/config"
	"github.com/livekit/livekit-session/pkg/rtc/reconnect"
	"github.com/livekit/livekit-session/pkg/rtc/types"
	"github.com/livekit/livekit-session/pkg/testutils"
)

const testToken = "test-token"

func fastPolicy(maxRetries int) reconnect.Policy {
	return reconnect.PolicyFunc(func(ctx reconnect.Context) (time.Duration, bool) {
		if ctx.RetryCount >= maxRetries {
			return 0, false
		}
		return 20 * time.Millisecond, true
	})
}

func newTestServer(t *testing.T, params testutils.SignalServerParams) *testutils.SignalServer {
	s := testutils.NewSignalServer(params)
	t.Cleanup(s.Close)
	return s
}

func newTestEngine(t *testing.T, policy reconnect.Policy, mutate func(conf *config.Config)) *RTCEngine {
	conf, err := config.NewConfig("", false, nil, nil)
	require.NoError(t, err)
	conf.RTC.PeerConnectionTimeout = 10 * time.Second
	if mutate != nil {
		mutate(conf)
	}

	e, err := NewRTCEngine(EngineParams{
		Config:          conf,
		ReconnectPolicy: policy,
	})
	require.NoError(t, err)
	t.Cleanup(e.Close)
	return e
}

type eventRecorder struct {
	lock   sync.Mutex
	events []Event
	done   chan struct{}
}

func recordEvents(e *RTCEngine) *eventRecorder {
	r := &eventRecorder{done: make(chan struct{})}
	go func() {
		defer close(r.done)
		for ev := range e.Events() {
			r.lock.Lock()
			r.events = append(r.events, ev)
			r.lock.Unlock()
		}
	}()
	return r
}

func (r *eventRecorder) snapshot() []Event {
	r.lock.Lock()
	defer r.lock.Unlock()
	return append([]Event(nil), r.events...)
}

func (r *eventRecorder) count(match func(Event) bool) int {
	n := 0
	for _, ev := range r.snapshot() {
		if match(ev) {
			n++
		}
	}
	return n
}

// waitFor returns the first recorded event matching.
func (r *eventRecorder) waitFor(t *testing.T, desc string, match func(Event) bool) Event {
	t.Helper()
	var found Event
	testutils.WithTimeout(t, func() string {
		for _, ev := range r.snapshot() {
			if match(ev) {
				found = ev
				return ""
			}
		}
		return "no " + desc + " event"
	})
	return found
}

func (r *eventRecorder) index(match func(Event) bool) int {
	for i, ev := range r.snapshot() {
		if match(ev) {
			return i
		}
	}
	return -1
}

func isResumed(ev Event) bool {
	_, ok := ev.(ResumedEvent)
	return ok
}

func isRestarted(ev Event) bool {
	_, ok := ev.(RestartedEvent)
	return ok
}

func isDisconnected(ev Event) bool {
	_, ok := ev.(DisconnectedEvent)
	return ok
}

func isReconnecting(mode ReconnectMode) func(Event) bool {
	return func(ev Event) bool {
		r, ok := ev.(ReconnectingEvent)
		return ok && r.Mode == mode
	}
}

func joinEngine(t *testing.T, e *RTCEngine, url string) *livekit.JoinResponse {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	join, err := e.Join(ctx, url, testToken)
	require.NoError(t, err)
	require.Equal(t, types.ConnectionStateConnected, e.ConnectionState())
	return join
}

func newAudioTrack(t *testing.T, id string) webrtc.TrackLocal {
	track, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, id, "stream")
	require.NoError(t, err)
	return track
}

func newVideoTrack(t *testing.T, id string) webrtc.TrackLocal {
	track, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, id, "stream")
	require.NoError(t, err)
	return track
}

func TestEngineJoinAndData(t *testing.T) {
	s := newTestServer(t, testutils.SignalServerParams{EchoData: true})
	e := newTestEngine(t, fastPolicy(3), nil)
	rec := recordEvents(e)

	join := joinEngine(t, e, s.URL())
	require.Equal(t, "PA_1", join.GetParticipant().GetSid())
	require.Equal(t, join, e.JoinResponse())

	rec.waitFor(t, "connected", func(ev Event) bool {
		_, ok := ev.(ConnectedEvent)
		return ok
	})
	rec.waitFor(t, "connection state", func(ev Event) bool {
		sc, ok := ev.(ConnectionStateChangedEvent)
		return ok && sc.State == types.ConnectionStateConnected
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := e.SendDataPacket(ctx, &livekit.DataPacket{
		Kind: livekit.DataPacket_RELIABLE,
		Value: &livekit.DataPacket_User{
			User: &livekit.UserPacket{Payload: []byte("hello")},
		},
	})
	require.NoError(t, err)
	require.EqualValues(t, 1, e.ReliableSequence())
	require.True(t, e.IsBufferStatusLow(livekit.DataPacket_RELIABLE))

	ev := rec.waitFor(t, "data", func(ev Event) bool {
		_, ok := ev.(DataReceivedEvent)
		return ok
	}).(DataReceivedEvent)
	require.Equal(t, []byte("hello"), ev.Packet.GetUser().GetPayload())

	// lossy packets do not advance the reliable sequence
	err = e.SendDataPacket(ctx, &livekit.DataPacket{
		Kind:  livekit.DataPacket_LOSSY,
		Value: &livekit.DataPacket_User{User: &livekit.UserPacket{Payload: []byte("lossy")}},
	})
	require.NoError(t, err)
	require.EqualValues(t, 1, e.ReliableSequence())
}

func TestEngineJoinNotAllowed(t *testing.T) {
	s := newTestServer(t, testutils.SignalServerParams{})
	s.SetRejectStatus(http.StatusUnauthorized)
	e := newTestEngine(t, fastPolicy(3), nil)

	_, err := e.Join(context.Background(), s.URL(), testToken)
	require.Error(t, err)
	require.True(t, types.IsConnectionErrorReason(err, types.ConnectionErrorNotAllowed))
	require.Equal(t, types.ConnectionStateDisconnected, e.ConnectionState())
	require.Zero(t, s.Joins())
}

func TestEngineRegionFailover(t *testing.T) {
	backup := newTestServer(t, testutils.SignalServerParams{})
	primary := newTestServer(t, testutils.SignalServerParams{
		Regions: &livekit.RegionSettings{
			Regions: []*livekit.RegionInfo{
				{Region: "backup", Url: backup.URL(), Distance: 100},
			},
		},
	})
	primary.SetRejectStatus(http.StatusServiceUnavailable)

	e := newTestEngine(t, fastPolicy(3), func(conf *config.Config) {
		conf.Region.ForceEnable = true
	})

	joinEngine(t, e, primary.URL())
	require.Zero(t, primary.Joins())
	require.Equal(t, 1, backup.Joins())
	require.Equal(t, backup.URL(), e.URL())
}

func TestEngineAddTrack(t *testing.T) {
	s := newTestServer(t, testutils.SignalServerParams{})
	e := newTestEngine(t, fastPolicy(3), func(conf *config.Config) {
		conf.RTC.PublishTimeout = 300 * time.Millisecond
	})
	rec := recordEvents(e)
	joinEngine(t, e, s.URL())

	ctx := context.Background()
	info, err := e.AddTrack(ctx, &livekit.AddTrackRequest{Cid: "cid1", Name: "mic", Type: livekit.TrackType_AUDIO})
	require.NoError(t, err)
	require.Equal(t, "TR_cid1", info.GetSid())
	rec.waitFor(t, "track published", func(ev Event) bool {
		p, ok := ev.(LocalTrackPublishedEvent)
		return ok && p.Cid == "cid1"
	})

	_, err = e.AddTrack(ctx, &livekit.AddTrackRequest{})
	require.ErrorIs(t, err, types.ErrTrackInvalid)

	t.Run("unacknowledged publish times out", func(t *testing.T) {
		s.SetDropAddTrack(true)
		defer s.SetDropAddTrack(false)

		_, err := e.AddTrack(ctx, &livekit.AddTrackRequest{Cid: "cid2"})
		require.ErrorIs(t, err, types.ErrPublishTimeout)
	})

	t.Run("duplicate pending cid and cancel", func(t *testing.T) {
		s.SetDropAddTrack(true)
		defer s.SetDropAddTrack(false)

		errs := make(chan error, 1)
		go func() {
			_, err := e.AddTrack(ctx, &livekit.AddTrackRequest{Cid: "cid3"})
			errs <- err
		}()
		testutils.WithTimeout(t, func() string {
			if !e.pendingTracks.has("cid3") {
				return "cid3 not pending"
			}
			return ""
		})

		_, err := e.AddTrack(ctx, &livekit.AddTrackRequest{Cid: "cid3"})
		require.ErrorIs(t, err, types.ErrTrackInvalid)

		require.NoError(t, e.UnpublishTrack(ctx, "cid3"))
		select {
		case err := <-errs:
			require.ErrorIs(t, err, types.ErrPublishCancelled)
		case <-time.After(5 * time.Second):
			t.Fatal("pending publish was not cancelled")
		}
	})

	t.Run("caller cancellation", func(t *testing.T) {
		s.SetDropAddTrack(true)
		defer s.SetDropAddTrack(false)

		cctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
		defer cancel()
		_, err := e.AddTrack(cctx, &livekit.AddTrackRequest{Cid: "cid4"})
		require.True(t, types.IsConnectionErrorReason(err, types.ConnectionErrorCancelled))
		require.False(t, e.pendingTracks.has("cid4"))
	})
}

func TestEnginePublishUnpublish(t *testing.T) {
	s := newTestServer(t, testutils.SignalServerParams{})
	e := newTestEngine(t, fastPolicy(3), nil)
	rec := recordEvents(e)
	joinEngine(t, e, s.URL())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	info, err := e.PublishTrack(ctx, newAudioTrack(t, "audio1"), &livekit.AddTrackRequest{Name: "mic"}, PublishOptions{MaxBitrate: 32})
	require.NoError(t, err)
	require.Equal(t, "TR_audio1", info.GetSid())
	require.Equal(t, livekit.TrackType_AUDIO, s.Requests("add_track")[0].GetAddTrack().GetType())
	require.Len(t, e.PublishedTracks(), 1)

	require.NoError(t, e.MuteTrack(info.GetSid(), true))
	testutils.WithTimeout(t, func() string {
		if len(s.Requests("mute")) != 1 {
			return "mute not received"
		}
		return ""
	})

	require.NoError(t, e.UnpublishTrack(ctx, "audio1"))
	require.Empty(t, e.PublishedTracks())
	rec.waitFor(t, "track unpublished", func(ev Event) bool {
		u, ok := ev.(LocalTrackUnpublishedEvent)
		return ok && u.Cid == "audio1" && u.TrackSid == "TR_audio1"
	})

	require.ErrorIs(t, e.UnpublishTrack(ctx, "audio1"), ErrTrackNotFound)
}

func TestEngineResume(t *testing.T) {
	for _, skip := range []bool{false, true} {
		t.Run(fmt.Sprintf("skipReconnectResponse=%v", skip), func(t *testing.T) {
			s := newTestServer(t, testutils.SignalServerParams{SkipReconnectResponse: skip})
			e := newTestEngine(t, fastPolicy(5), nil)
			rec := recordEvents(e)
			joinEngine(t, e, s.URL())

			require.NoError(t, e.UpdateSubscription(&livekit.UpdateSubscription{TrackSids: []string{"TR_remote"}, Subscribe: false}))

			s.DropConnections()
			rec.waitFor(t, "resumed", isResumed)

			require.Equal(t, 1, s.Joins())
			require.Equal(t, 1, s.Resumes())
			require.Zero(t, rec.count(isRestarted))
			require.Less(t, rec.index(isReconnecting(ReconnectModeResume)), rec.index(isResumed))
			require.False(t, e.IsReconnecting())

			testutils.WithTimeout(t, func() string {
				syncs := s.Requests("sync_state")
				if len(syncs) != 1 {
					return fmt.Sprintf("expected one sync state, got %d", len(syncs))
				}
				sub := syncs[0].GetSyncState().GetSubscription()
				if len(sub.GetTrackSids()) != 1 || sub.GetTrackSids()[0] != "TR_remote" || sub.GetSubscribe() {
					return "unexpected subscription in sync state"
				}
				return ""
			})
			testutils.WithTimeout(t, func() string {
				if e.ConnectionState() != types.ConnectionStateConnected {
					return "state is " + e.ConnectionState().String()
				}
				return ""
			})
		})
	}
}

func TestEngineFullReconnectRepublishes(t *testing.T) {
	s := newTestServer(t, testutils.SignalServerParams{})
	e := newTestEngine(t, fastPolicy(5), nil)
	rec := recordEvents(e)
	joinEngine(t, e, s.URL())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	_, err := e.PublishTrack(ctx, newAudioTrack(t, "audio1"), nil, PublishOptions{})
	require.NoError(t, err)
	_, err = e.PublishTrack(ctx, newVideoTrack(t, "video1"), nil, PublishOptions{Codec: webrtc.MimeTypeVP8, MaxBitrate: 500})
	require.NoError(t, err)
	_, err = e.PublishTrack(ctx, newAudioTrack(t, "audio2"), nil, PublishOptions{})
	require.NoError(t, err)
	require.Len(t, s.Requests("add_track"), 3)

	s.SendLeave(true, livekit.DisconnectReason_STATE_MISMATCH)
	ev := rec.waitFor(t, "restarted", isRestarted).(RestartedEvent)
	require.Equal(t, "PA_2", ev.Join.GetParticipant().GetSid())
	require.Equal(t, "PA_2", e.JoinResponse().GetParticipant().GetSid())

	require.Equal(t, 2, s.Joins())
	require.Zero(t, s.Resumes())
	require.Zero(t, rec.count(isResumed))

	// once per publication that was active before the restart, in publish order
	addTracks := s.Requests("add_track")
	require.Len(t, addTracks, 6)
	var republished []string
	for _, req := range addTracks[3:] {
		republished = append(republished, req.GetAddTrack().GetCid())
	}
	require.Equal(t, []string{"audio1", "video1", "audio2"}, republished)

	var sids []string
	for _, info := range e.PublishedTracks() {
		sids = append(sids, info.GetSid())
	}
	require.Equal(t, []string{"TR_audio1", "TR_video1", "TR_audio2"}, sids)
	require.Equal(t, types.ConnectionStateConnected, e.ConnectionState())
}

func TestEngineNegotiationFailureDuringResumeRestarts(t *testing.T) {
	s := newTestServer(t, testutils.SignalServerParams{})
	e := newTestEngine(t, fastPolicy(5), func(conf *config.Config) {
		conf.RTC.NegotiationTimeout = 500 * time.Millisecond
	})
	rec := recordEvents(e)
	joinEngine(t, e, s.URL())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	_, err := e.PublishTrack(ctx, newAudioTrack(t, "audio1"), nil, PublishOptions{})
	require.NoError(t, err)
	_, err = e.PublishTrack(ctx, newVideoTrack(t, "video1"), nil, PublishOptions{})
	require.NoError(t, err)
	require.Len(t, s.Requests("add_track"), 2)
	offers := len(s.Requests("offer"))

	// the ICE restart offer of the resume is never answered
	s.SetDropOffers(true)
	s.DropConnections()
	rec.waitFor(t, "resume attempt", isReconnecting(ReconnectModeResume))
	testutils.WithTimeout(t, func() string {
		if len(s.Requests("offer")) <= offers {
			return "no ICE restart offer"
		}
		return ""
	})
	s.SetDropOffers(false)

	rec.waitFor(t, "restarted", isRestarted)
	require.Less(t, rec.index(isReconnecting(ReconnectModeResume)), rec.index(isReconnecting(ReconnectModeFull)))
	require.Zero(t, rec.count(isResumed))
	require.Equal(t, 1, s.Resumes())
	require.Equal(t, 2, s.Joins())

	// both publications were announced again
	require.Len(t, s.Requests("add_track"), 4)
	require.Len(t, e.PublishedTracks(), 2)
	require.Equal(t, types.ConnectionStateConnected, e.ConnectionState())
}

func TestEngineJoinSupersedesRunningReconnect(t *testing.T) {
	s := newTestServer(t, testutils.SignalServerParams{})
	e := newTestEngine(t, fastPolicy(5), nil)
	rec := recordEvents(e)
	joinEngine(t, e, s.URL())

	// the resume hangs waiting for the server's first message
	s.SetStallResumes(true)
	s.DropConnections()
	rec.waitFor(t, "resume attempt", isReconnecting(ReconnectModeResume))
	testutils.WithTimeout(t, func() string {
		if s.Resumes() != 1 {
			return "resume not attempted"
		}
		return ""
	})
	s.SetStallResumes(false)

	join := joinEngine(t, e, s.URL())
	require.Equal(t, "PA_2", join.GetParticipant().GetSid())

	// give the cancelled attempt every chance to touch the new session
	time.Sleep(100 * time.Millisecond)

	e.lock.RLock()
	attempts, lastErr, full := e.reconnectAttempts, e.lastReconnectErr, e.fullReconnectOnNext
	e.lock.RUnlock()
	require.Zero(t, attempts)
	require.NoError(t, lastErr)
	require.False(t, full)
	require.False(t, e.IsReconnecting())
	require.Equal(t, types.SignalConnectionStateConnected, e.signal.State())
	require.Equal(t, types.ConnectionStateConnected, e.ConnectionState())
	require.Zero(t, rec.count(isResumed))

	require.NoError(t, e.UpdateMetadata("meta", ""))
	testutils.WithTimeout(t, func() string {
		if len(s.Requests("update_metadata")) != 1 {
			return "metadata not received"
		}
		return ""
	})
}

func TestEngineDataBufferStatus(t *testing.T) {
	s := newTestServer(t, testutils.SignalServerParams{})
	e := newTestEngine(t, fastPolicy(3), func(conf *config.Config) {
		conf.DataChannel.BufferLowThreshold = 1024
	})
	rec := recordEvents(e)
	joinEngine(t, e, s.URL())
	require.True(t, e.IsBufferStatusLow(livekit.DataPacket_RELIABLE))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	const sends = 32
	payload := make([]byte, 16*1024)
	for i := 0; i < sends; i++ {
		require.NoError(t, e.SendDataPacket(ctx, &livekit.DataPacket{
			Kind:  livekit.DataPacket_RELIABLE,
			Value: &livekit.DataPacket_User{User: &livekit.UserPacket{Payload: payload}},
		}))
	}

	reliableStatus := func() []bool {
		var flips []bool
		for _, ev := range rec.snapshot() {
			if bs, ok := ev.(DataChannelBufferStatusEvent); ok && bs.Kind == livekit.DataPacket_RELIABLE {
				flips = append(flips, bs.Low)
			}
		}
		return flips
	}

	// filled past the threshold, then drained back below it
	testutils.WithTimeout(t, func() string {
		flips := reliableStatus()
		if len(flips) < 2 || !flips[len(flips)-1] {
			return fmt.Sprintf("buffer status events: %v", flips)
		}
		return ""
	})
	require.True(t, e.IsBufferStatusLow(livekit.DataPacket_RELIABLE))

	// one event per flip, never one per send
	flips := reliableStatus()
	require.False(t, flips[0])
	for i := 1; i < len(flips); i++ {
		require.NotEqual(t, flips[i-1], flips[i])
	}
	require.Less(t, len(flips), sends)
}

func TestEngineServerReportedRegions(t *testing.T) {
	backup := newTestServer(t, testutils.SignalServerParams{})
	// no region settings served here
	primary := newTestServer(t, testutils.SignalServerParams{})
	e := newTestEngine(t, fastPolicy(3), func(conf *config.Config) {
		conf.Region.ForceEnable = true
	})
	rec := recordEvents(e)
	joinEngine(t, e, primary.URL())

	// the rejoin fails over to the regions handed out with the leave
	primary.SetRejectStatus(http.StatusServiceUnavailable)
	primary.Send(&livekit.SignalResponse{
		Message: &livekit.SignalResponse_Leave{Leave: &livekit.LeaveRequest{
			CanReconnect: true,
			Reason:       livekit.DisconnectReason_MIGRATION,
			Regions: &livekit.RegionSettings{
				Regions: []*livekit.RegionInfo{{Region: "backup", Url: backup.URL(), Distance: 10}},
			},
		}},
	})

	rec.waitFor(t, "restarted", isRestarted)
	require.Equal(t, 1, primary.Joins())
	require.Equal(t, 1, backup.Joins())
	require.Equal(t, backup.URL(), e.URL())
}

func TestEngineResumeDisabledForcesFullReconnect(t *testing.T) {
	s := newTestServer(t, testutils.SignalServerParams{
		ClientConfiguration: &livekit.ClientConfiguration{ResumeConnection: livekit.ClientConfigSetting_DISABLED},
	})
	e := newTestEngine(t, fastPolicy(5), nil)
	rec := recordEvents(e)
	joinEngine(t, e, s.URL())

	s.DropConnections()
	rec.waitFor(t, "restarted", isRestarted)
	require.Equal(t, 2, s.Joins())
	require.Zero(t, s.Resumes())
	require.Zero(t, rec.count(isReconnecting(ReconnectModeResume)))
}

func TestEngineSimulateFullReconnect(t *testing.T) {
	s := newTestServer(t, testutils.SignalServerParams{})
	e := newTestEngine(t, fastPolicy(5), nil)
	rec := recordEvents(e)
	require.ErrorIs(t, e.Simulate(SimulateFullReconnect), ErrNotJoined)
	joinEngine(t, e, s.URL())

	require.NoError(t, e.Simulate(SimulateFullReconnect))
	rec.waitFor(t, "restarted", isRestarted)
	require.Zero(t, s.Resumes())

	require.NoError(t, e.Simulate(SimulateSignalReconnect))
	rec.waitFor(t, "resumed", isResumed)

	require.NoError(t, e.Simulate(SimulateNodeFailure))
	testutils.WithTimeout(t, func() string {
		if len(s.Requests("simulate")) != 1 {
			return "simulate request not received"
		}
		return ""
	})
	require.ErrorIs(t, e.Simulate(SimulateScenario(100)), ErrUnknownScenario)
}

func TestEngineReconnectExhausted(t *testing.T) {
	s := newTestServer(t, testutils.SignalServerParams{})
	e := newTestEngine(t, fastPolicy(2), nil)
	rec := recordEvents(e)
	joinEngine(t, e, s.URL())

	s.SetRejectStatus(http.StatusServiceUnavailable)
	s.DropConnections()

	ev := rec.waitFor(t, "disconnected", isDisconnected).(DisconnectedEvent)
	require.Equal(t, DisconnectReasonReconnectExhausted, ev.Reason)
	require.Equal(t, 2, ev.RetryCount)
	var sigErr *types.SignalReconnectError
	require.ErrorAs(t, ev.Err, &sigErr)

	// signal failures alone keep retrying as resumes
	require.Equal(t, 2, rec.count(isReconnecting(ReconnectModeResume)))
	require.Zero(t, rec.count(isReconnecting(ReconnectModeFull)))

	select {
	case <-rec.done:
	case <-time.After(5 * time.Second):
		t.Fatal("events channel not closed")
	}
	require.True(t, e.IsClosed())
	require.Equal(t, types.ConnectionStateDisconnected, e.ConnectionState())
}

func TestEngineServerLeave(t *testing.T) {
	s := newTestServer(t, testutils.SignalServerParams{})
	e := newTestEngine(t, fastPolicy(5), nil)
	rec := recordEvents(e)
	joinEngine(t, e, s.URL())

	s.SendLeave(false, livekit.DisconnectReason_ROOM_DELETED)
	ev := rec.waitFor(t, "disconnected", isDisconnected).(DisconnectedEvent)
	require.Equal(t, DisconnectReasonServerLeave, ev.Reason)
	require.Equal(t, livekit.DisconnectReason_ROOM_DELETED, ev.ServerReason)
	require.Zero(t, rec.count(isReconnecting(ReconnectModeResume))+rec.count(isReconnecting(ReconnectModeFull)))

	// the server initiated it, nothing is sent back
	require.Empty(t, s.Requests("leave"))
}

func TestEngineClose(t *testing.T) {
	s := newTestServer(t, testutils.SignalServerParams{})
	e := newTestEngine(t, fastPolicy(5), nil)
	rec := recordEvents(e)
	joinEngine(t, e, s.URL())

	e.Close()
	e.Close()

	select {
	case <-rec.done:
	case <-time.After(5 * time.Second):
		t.Fatal("events channel not closed")
	}
	require.Equal(t, 1, rec.count(isDisconnected))
	events := rec.snapshot()
	last, ok := events[len(events)-1].(DisconnectedEvent)
	require.True(t, ok)
	require.Equal(t, DisconnectReasonClientInitiated, last.Reason)

	testutils.WithTimeout(t, func() string {
		if len(s.Requests("leave")) != 1 {
			return "leave not received"
		}
		return ""
	})

	select {
	case <-e.Done():
	default:
		t.Fatal("done not closed")
	}
	require.ErrorIs(t, e.SendDataPacket(context.Background(), &livekit.DataPacket{}), types.ErrEngineClosed)
	_, err := e.Join(context.Background(), s.URL(), testToken)
	require.ErrorIs(t, err, types.ErrEngineClosed)
	require.Equal(t, types.ConnectionStateDisconnected, e.ConnectionState())
}

func TestReconnectPolicyPanicClosesEngine(t *testing.T) {
	s := newTestServer(t, testutils.SignalServerParams{})
	policy := reconnect.PolicyFunc(func(ctx reconnect.Context) (time.Duration, bool) {
		panic("policy failure")
	})
	e := newTestEngine(t, policy, nil)
	rec := recordEvents(e)
	joinEngine(t, e, s.URL())

	s.DropConnections()
	ev := rec.waitFor(t, "disconnected", isDisconnected).(DisconnectedEvent)
	require.Equal(t, DisconnectReasonReconnectExhausted, ev.Reason)
}
