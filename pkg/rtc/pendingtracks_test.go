package rtc

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"github.com/livekit/protocol/livekit"

	"github.com/livekit/livekit-session/pkg/rtc/types"
)

func receiveResult(t *testing.T, ch <-chan pendingTrackResult) pendingTrackResult {
	t.Helper()
	select {
	case res := <-ch:
		return res
	case <-time.After(time.Second):
		t.Fatal("pending track did not complete")
		return pendingTrackResult{}
	}
}

func TestPendingTracks(t *testing.T) {
	t.Run("resolves once", func(t *testing.T) {
		p := newPendingTracks(clock.NewMock(), 0)
		ch, err := p.add("cid1")
		require.NoError(t, err)
		require.True(t, p.has("cid1"))

		_, err = p.add("cid1")
		require.ErrorIs(t, err, types.ErrTrackInvalid)

		require.True(t, p.resolve("cid1", &livekit.TrackInfo{Sid: "TR_1"}))
		require.False(t, p.resolve("cid1", &livekit.TrackInfo{Sid: "TR_2"}))
		require.False(t, p.reject("cid1", types.ErrPublishCancelled))

		res := receiveResult(t, ch)
		require.NoError(t, res.err)
		require.Equal(t, "TR_1", res.track.Sid)
		require.False(t, p.has("cid1"))
	})

	t.Run("times out", func(t *testing.T) {
		mock := clock.NewMock()
		p := newPendingTracks(mock, 0)
		ch, err := p.add("cid1")
		require.NoError(t, err)

		mock.Add(DefaultPublishTimeout - time.Millisecond)
		require.True(t, p.has("cid1"))

		mock.Add(time.Millisecond)
		res := receiveResult(t, ch)
		require.ErrorIs(t, res.err, types.ErrPublishTimeout)
		require.Nil(t, res.track)

		// a late ack is ignored
		require.False(t, p.resolve("cid1", &livekit.TrackInfo{}))

		// and the cid can be used again
		_, err = p.add("cid1")
		require.NoError(t, err)
	})

	t.Run("rejected by unpublish", func(t *testing.T) {
		mock := clock.NewMock()
		p := newPendingTracks(mock, time.Second)
		ch, err := p.add("cid1")
		require.NoError(t, err)

		require.True(t, p.reject("cid1", types.ErrPublishCancelled))
		res := receiveResult(t, ch)
		require.ErrorIs(t, res.err, types.ErrPublishCancelled)

		// the stopped timer does not complete anything
		mock.Add(time.Minute)
		require.False(t, p.has("cid1"))
	})

	t.Run("stale timer leaves a reused cid alone", func(t *testing.T) {
		mock := clock.NewMock()
		p := newPendingTracks(mock, time.Second)
		ch1, err := p.add("cid1")
		require.NoError(t, err)
		p.lock.Lock()
		first := p.tracks["cid1"]
		p.lock.Unlock()

		require.True(t, p.reject("cid1", types.ErrPublishCancelled))
		require.ErrorIs(t, receiveResult(t, ch1).err, types.ErrPublishCancelled)

		ch2, err := p.add("cid1")
		require.NoError(t, err)

		// the first entry's timer firing late, after Stop lost the race
		require.False(t, p.expire("cid1", first))
		require.True(t, p.has("cid1"))

		require.True(t, p.resolve("cid1", &livekit.TrackInfo{Sid: "TR_1"}))
		res := receiveResult(t, ch2)
		require.NoError(t, res.err)
		require.Equal(t, "TR_1", res.track.Sid)
	})

	t.Run("reject all", func(t *testing.T) {
		p := newPendingTracks(clock.NewMock(), 0)
		ch1, _ := p.add("cid1")
		ch2, _ := p.add("cid2")

		p.rejectAll(types.ErrEngineClosed)
		require.ErrorIs(t, receiveResult(t, ch1).err, types.ErrEngineClosed)
		require.ErrorIs(t, receiveResult(t, ch2).err, types.ErrEngineClosed)
	})
}
