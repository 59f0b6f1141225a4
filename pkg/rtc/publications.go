package rtc

import (
	"context"

	"github.com/pion/webrtc/v3"
	"google.golang.org/protobuf/proto"

	"github.com/livekit/protocol/livekit"

	"github.com/livekit/livekit-session/pkg/rtc/signalling"
	"github.com/livekit/livekit-session/pkg/rtc/transport"
	"github.com/livekit/livekit-session/pkg/rtc/types"
	"github.com/livekit/livekit-session/pkg/telemetry/prometheus"
)

type PublishOptions struct {
	// preferred codec mime type, e.g. "video/VP8"
	Codec string
	// kbps, applied to the local offer and the remote answer
	MaxBitrate uint32
}

type localPublication struct {
	cid         string
	track       webrtc.TrackLocal
	req         *livekit.AddTrackRequest
	opts        PublishOptions
	transceiver *webrtc.RTPTransceiver
	info        *livekit.TrackInfo
}

// AddTrack asks the server to accept a track and waits for its TrackPublished
// response, matched by client id.
func (e *RTCEngine) AddTrack(ctx context.Context, req *livekit.AddTrackRequest) (*livekit.TrackInfo, error) {
	if e.IsClosed() {
		return nil, types.ErrEngineClosed
	}
	if req.GetCid() == "" {
		return nil, types.ErrTrackInvalid
	}

	result, err := e.pendingTracks.add(req.Cid)
	if err != nil {
		return nil, err
	}
	if err := e.signal.SendAddTrack(req); err != nil {
		e.pendingTracks.reject(req.Cid, err)
		return nil, err
	}

	select {
	case res := <-result:
		prometheus.RecordOperation("add_track", res.err, "")
		if res.err != nil {
			return nil, res.err
		}
		if res.track == nil {
			return nil, ErrMissingTrackInfo
		}
		e.emit(LocalTrackPublishedEvent{Cid: req.Cid, Track: res.track})
		return res.track, nil

	case <-ctx.Done():
		e.pendingTracks.reject(req.Cid, ctx.Err())
		return nil, types.NewConnectionError(types.ConnectionErrorCancelled, "add track cancelled", ctx.Err())
	}
}

// PublishTrack publishes a local track: the server acknowledges it, a send only
// transceiver is attached to the publisher and the publisher renegotiates.
func (e *RTCEngine) PublishTrack(
	ctx context.Context,
	track webrtc.TrackLocal,
	req *livekit.AddTrackRequest,
	opts PublishOptions,
) (*livekit.TrackInfo, error) {
	if track == nil {
		return nil, types.ErrTrackInvalid
	}
	if req == nil {
		req = &livekit.AddTrackRequest{}
	}
	if req.Cid == "" {
		req.Cid = track.ID()
	}
	if track.Kind() == webrtc.RTPCodecTypeVideo {
		req.Type = livekit.TrackType_VIDEO
	} else {
		req.Type = livekit.TrackType_AUDIO
	}

	pcm := e.configuredPCManager()
	if pcm == nil {
		return nil, ErrNotJoined
	}
	pcm.RequirePublisher(true)

	info, err := e.AddTrack(ctx, req)
	if err != nil {
		return nil, err
	}

	transceiver, err := e.attachTrack(pcm.Publisher(), req.Cid, track, opts)
	if err != nil {
		return nil, err
	}

	e.lock.Lock()
	e.publications.Set(req.Cid, &localPublication{
		cid:         req.Cid,
		track:       track,
		req:         req,
		opts:        opts,
		transceiver: transceiver,
		info:        info,
	})
	e.lock.Unlock()

	if err := pcm.Negotiate(ctx); err != nil {
		return info, err
	}
	return info, nil
}

func (e *RTCEngine) attachTrack(pub *transport.PCTransport, cid string, track webrtc.TrackLocal, opts PublishOptions) (*webrtc.RTPTransceiver, error) {
	transceiver, err := pub.AddTrack(track)
	if err != nil {
		return nil, err
	}
	if opts.Codec != "" || opts.MaxBitrate > 0 {
		pub.SetTrackCodecBitrate(transport.TrackBitrateInfo{
			Cid:         cid,
			Transceiver: transceiver,
			Codec:       opts.Codec,
			MaxBitrate:  opts.MaxBitrate,
		})
	}
	return transceiver, nil
}

// UnpublishTrack removes a published track, or cancels its publish if the server has
// not acknowledged it yet.
func (e *RTCEngine) UnpublishTrack(ctx context.Context, cid string) error {
	cancelled := e.pendingTracks.reject(cid, types.ErrPublishCancelled)

	e.lock.Lock()
	pub, ok := e.publications.Get(cid)
	e.publications.Delete(cid)
	e.lock.Unlock()

	if !ok {
		if cancelled {
			return nil
		}
		return ErrTrackNotFound
	}

	if pcm := e.getPCManager(); pcm != nil {
		if pub.transceiver != nil {
			if err := pcm.Publisher().RemoveTrack(pub.transceiver.Sender()); err != nil {
				e.params.Logger.Warnw("could not remove track", err, "cid", cid)
			}
		}
		pcm.Publisher().RemoveTrackCodecBitrate(cid)
		if err := pcm.Negotiate(ctx); err != nil {
			return err
		}
	}

	e.emit(LocalTrackUnpublishedEvent{Cid: cid, TrackSid: pub.info.GetSid()})
	return nil
}

// handleTrackUnpublished drops a publication the server removed on its own.
func (e *RTCEngine) handleTrackUnpublished(trackSid string) {
	e.lock.Lock()
	var found *localPublication
	for el := e.publications.Front(); el != nil; el = el.Next() {
		if el.Value.info.GetSid() == trackSid {
			found = el.Value
			break
		}
	}
	if found != nil {
		e.publications.Delete(found.cid)
	}
	e.lock.Unlock()

	if found == nil {
		return
	}
	if pcm := e.getPCManager(); pcm != nil && found.transceiver != nil {
		if err := pcm.Publisher().RemoveTrack(found.transceiver.Sender()); err != nil {
			e.params.Logger.Debugw("could not remove track", "error", err, "cid", found.cid)
		}
		pcm.Publisher().RemoveTrackCodecBitrate(found.cid)
		pcm.Publisher().Negotiate()
	}
	e.emit(LocalTrackUnpublishedEvent{Cid: found.cid, TrackSid: trackSid})
}

// PublishedTracks returns the server's view of every published track.
func (e *RTCEngine) PublishedTracks() []*livekit.TrackInfo {
	e.lock.RLock()
	defer e.lock.RUnlock()

	tracks := make([]*livekit.TrackInfo, 0, e.publications.Len())
	for el := e.publications.Front(); el != nil; el = el.Next() {
		if el.Value.info != nil {
			tracks = append(tracks, el.Value.info)
		}
	}
	return tracks
}

// republish announces and attaches every publication again on freshly created
// transports, in the order they were first published, then negotiates once.
func (e *RTCEngine) republish(ctx context.Context, pcm *transport.Manager) error {
	e.lock.RLock()
	pubs := make([]*localPublication, 0, e.publications.Len())
	for el := e.publications.Front(); el != nil; el = el.Next() {
		pubs = append(pubs, el.Value)
	}
	e.lock.RUnlock()

	if len(pubs) == 0 {
		return nil
	}
	pcm.RequirePublisher(true)

	for _, pub := range pubs {
		req := proto.Clone(pub.req).(*livekit.AddTrackRequest)
		info, err := e.AddTrack(ctx, req)
		if err != nil {
			return err
		}

		transceiver, err := e.attachTrack(pcm.Publisher(), pub.cid, pub.track, pub.opts)
		if err != nil {
			return err
		}

		e.lock.Lock()
		pub.info = info
		pub.transceiver = transceiver
		e.lock.Unlock()
		e.params.Logger.Debugw("republished track", "cid", pub.cid, "sid", info.GetSid())
	}

	return pcm.Negotiate(ctx)
}

func (e *RTCEngine) MuteTrack(sid string, muted bool) error {
	e.lock.Lock()
	for el := e.publications.Front(); el != nil; el = el.Next() {
		if pub := el.Value; pub.info.GetSid() == sid {
			pub.req.Muted = muted
			pub.info.Muted = muted
		}
	}
	e.lock.Unlock()

	return e.signal.SendMuteTrack(sid, muted)
}

func (e *RTCEngine) UpdateSubscription(sub *livekit.UpdateSubscription) error {
	e.lock.Lock()
	for _, sid := range sub.GetTrackSids() {
		e.subscriptions[sid] = sub.GetSubscribe()
	}
	for _, pt := range sub.GetParticipantTracks() {
		for _, sid := range pt.GetTrackSids() {
			e.subscriptions[sid] = sub.GetSubscribe()
		}
	}
	e.lock.Unlock()

	return e.signal.SendUpdateSubscription(sub)
}

func (e *RTCEngine) UpdateTrackSettings(settings *livekit.UpdateTrackSettings) error {
	return e.signal.SendUpdateTrackSettings(settings)
}

func (e *RTCEngine) UpdateMetadata(metadata string, name string) error {
	return e.signal.SendUpdateLocalMetadata(metadata, name)
}

// syncState is what the server needs to reconcile this client after a reconnect.
func (e *RTCEngine) syncState(pcm *transport.Manager) *livekit.SyncState {
	state := &livekit.SyncState{
		DataChannels: e.dataChannelInfos(),
	}
	if answer := pcm.Subscriber().PeerConnection().LocalDescription(); answer != nil {
		state.Answer = signalling.ToProtoSessionDescription(*answer)
	}

	e.lock.RLock()
	defer e.lock.RUnlock()

	// only tracks deviating from auto subscribe need to be listed
	subscribe := !e.conf.Signal.AutoSubscribe
	var trackSids []string
	for sid, subscribed := range e.subscriptions {
		if subscribed == subscribe {
			trackSids = append(trackSids, sid)
		}
	}
	state.Subscription = &livekit.UpdateSubscription{
		TrackSids: trackSids,
		Subscribe: subscribe,
	}

	for el := e.publications.Front(); el != nil; el = el.Next() {
		pub := el.Value
		if pub.info == nil {
			continue
		}
		state.PublishTracks = append(state.PublishTracks, &livekit.TrackPublishedResponse{
			Cid:   pub.cid,
			Track: pub.info,
		})
	}
	return state
}
