package rtc

import (
	"github.com/pion/webrtc/v3"

	"github.com/livekit/protocol/livekit"

	"github.com/livekit/livekit-session/pkg/rtc/signalling"
	"github.com/livekit/livekit-session/pkg/rtc/transport"
	"github.com/livekit/livekit-session/pkg/rtc/types"
)

// signalHandler moves server messages onto the engine's signal queue so they are
// applied one at a time, after any transport configuration in progress.
type signalHandler struct {
	e *RTCEngine
}

var _ signalling.Handler = (*signalHandler)(nil)

func (h *signalHandler) OnAnswer(sd webrtc.SessionDescription) {
	h.e.signalQueue.Enqueue(func() {
		pcm := h.e.configuredPCManager()
		if pcm == nil {
			h.e.params.Logger.Debugw("dropping answer, no transports")
			return
		}
		if err := pcm.SetPublisherAnswer(sd); err != nil {
			h.e.params.Logger.Warnw("could not set publisher answer", err)
		}
	})
}

func (h *signalHandler) OnOffer(sd webrtc.SessionDescription) {
	h.e.signalQueue.Enqueue(func() {
		pcm := h.e.configuredPCManager()
		if pcm == nil {
			h.e.params.Logger.Debugw("dropping offer, no transports")
			return
		}
		if err := pcm.CreateSubscriberAnswerFromOffer(sd); err != nil {
			h.e.params.Logger.Warnw("could not answer subscriber offer", err)
		}
	})
}

func (h *signalHandler) OnTrickle(candidate webrtc.ICECandidateInit, target livekit.SignalTarget) {
	h.e.signalQueue.Enqueue(func() {
		pcm := h.e.configuredPCManager()
		if pcm == nil {
			return
		}
		if err := pcm.AddICECandidate(candidate, target); err != nil {
			h.e.params.Logger.Warnw("could not add remote candidate", err, "target", target.String())
		}
	})
}

func (h *signalHandler) OnParticipantUpdate(participants []*livekit.ParticipantInfo) {
	h.e.signalQueue.Enqueue(func() {
		h.e.emit(ParticipantUpdateEvent{Participants: participants})
	})
}

func (h *signalHandler) OnSpeakersChanged(speakers []*livekit.SpeakerInfo) {
	h.e.signalQueue.Enqueue(func() {
		h.e.emit(SpeakersChangedEvent{Speakers: speakers})
	})
}

func (h *signalHandler) OnRoomUpdate(room *livekit.Room) {
	h.e.signalQueue.Enqueue(func() {
		h.e.emit(RoomUpdateEvent{Room: room})
	})
}

func (h *signalHandler) OnConnectionQuality(updates []*livekit.ConnectionQualityInfo) {
	h.e.signalQueue.Enqueue(func() {
		h.e.emit(ConnectionQualityEvent{Updates: updates})
	})
}

// OnLocalTrackPublished bypasses the queue, AddTrack may be waiting inside a queued op.
func (h *signalHandler) OnLocalTrackPublished(res *livekit.TrackPublishedResponse) {
	if !h.e.pendingTracks.resolve(res.GetCid(), res.GetTrack()) {
		h.e.params.Logger.Debugw("ignoring track published for unknown cid", "cid", res.GetCid())
	}
}

func (h *signalHandler) OnLocalTrackUnpublished(res *livekit.TrackUnpublishedResponse) {
	h.e.signalQueue.Enqueue(func() {
		h.e.handleTrackUnpublished(res.GetTrackSid())
	})
}

func (h *signalHandler) OnRemoteMute(req *livekit.MuteTrackRequest) {
	h.e.signalQueue.Enqueue(func() {
		h.e.emit(RemoteMuteEvent{TrackSid: req.GetSid(), Muted: req.GetMuted()})
	})
}

func (h *signalHandler) OnTokenRefresh(token string) {
	h.e.signalQueue.Enqueue(func() {
		h.e.lock.Lock()
		h.e.token = token
		provider := h.e.regionProvider
		h.e.lock.Unlock()
		if provider != nil {
			provider.UpdateToken(token)
		}
		h.e.emit(TokenRefreshedEvent{Token: token})
	})
}

func (h *signalHandler) OnLeave(leave *livekit.LeaveRequest) {
	h.e.signalQueue.Enqueue(func() {
		h.e.params.Logger.Infow("server sent leave", "canReconnect", leave.GetCanReconnect(), "reason", leave.GetReason().String())
		if regions := leave.GetRegions(); regions != nil {
			h.e.lock.RLock()
			provider := h.e.regionProvider
			h.e.lock.RUnlock()
			if provider != nil {
				provider.SetServerReportedRegions(regions)
			}
		}
		if leave.GetCanReconnect() {
			h.e.lock.Lock()
			h.e.fullReconnectOnNext = true
			h.e.lock.Unlock()
			h.e.handleDisconnect("leave", livekit.ReconnectReason_RR_UNKNOWN, true)
			return
		}

		h.e.close(DisconnectedEvent{
			Reason:       DisconnectReasonServerLeave,
			ServerReason: leave.GetReason(),
		})
	})
}

func (h *signalHandler) OnClose(reason string) {
	if !h.e.hasJoined() {
		return
	}
	h.e.params.Logger.Infow("signal connection closed", "reason", reason)
	h.e.updateConnectionState()
	h.e.handleDisconnect("signal", livekit.ReconnectReason_RR_SIGNAL_DISCONNECTED, false)
}

// ------------------------------------------------

// pcManagerHandler forwards transport events of one configuration generation. Events
// from transports that have since been replaced are dropped.
type pcManagerHandler struct {
	e          *RTCEngine
	generation uint32
}

var _ transport.ManagerHandler = (*pcManagerHandler)(nil)

func (h *pcManagerHandler) isCurrent() bool {
	h.e.lock.RLock()
	defer h.e.lock.RUnlock()
	return h.generation == h.e.pcGeneration
}

func (h *pcManagerHandler) OnStateChange(state types.PCTransportState, publisher webrtc.PeerConnectionState, subscriber webrtc.PeerConnectionState) {
	if !h.isCurrent() {
		return
	}
	h.e.params.Logger.Debugw("transport state changed",
		"state", state.String(),
		"publisher", publisher.String(),
		"subscriber", subscriber.String(),
	)

	e := h.e
	e.lock.Lock()
	wasConnected := e.pcConnected
	if state == types.PCTransportStateConnected {
		e.pcConnected = true
	}
	e.lock.Unlock()
	e.changed.NotifyChanged()
	e.updateConnectionState()

	if wasConnected && state == types.PCTransportStateFailed && !e.IsClosed() {
		reason := livekit.ReconnectReason_RR_PUBLISHER_FAILED
		if subscriber == webrtc.PeerConnectionStateFailed {
			reason = livekit.ReconnectReason_RR_SUBSCRIBER_FAILED
		}
		e.lock.Lock()
		e.pcConnected = false
		e.lock.Unlock()
		e.handleDisconnect("peerconnection failed", reason, false)
	}
}

func (h *pcManagerHandler) OnICECandidate(c *webrtc.ICECandidate, target livekit.SignalTarget) error {
	if c == nil || !h.isCurrent() {
		return nil
	}
	return h.e.signal.SendICECandidate(c.ToJSON(), target)
}

func (h *pcManagerHandler) OnPublisherOffer(sd webrtc.SessionDescription) error {
	if !h.isCurrent() {
		return nil
	}
	return h.e.signal.SendOffer(sd)
}

func (h *pcManagerHandler) OnSubscriberAnswer(sd webrtc.SessionDescription) error {
	if !h.isCurrent() {
		return nil
	}
	return h.e.signal.SendAnswer(sd)
}

func (h *pcManagerHandler) OnNegotiationFailed(target livekit.SignalTarget) {
	if !h.isCurrent() {
		return
	}
	h.e.params.Logger.Warnw("negotiation failed", nil, "target", target.String())
	h.e.lock.Lock()
	h.e.fullReconnectOnNext = true
	h.e.lock.Unlock()
	h.e.handleDisconnect("negotiation failed", livekit.ReconnectReason_RR_UNKNOWN, false)
}

func (h *pcManagerHandler) OnTrack(track *webrtc.TrackRemote, rtpReceiver *webrtc.RTPReceiver) {
	if !h.isCurrent() {
		return
	}
	h.e.emit(RemoteTrackEvent{Track: track, Receiver: rtpReceiver})
}

func (h *pcManagerHandler) OnDataChannel(dc *webrtc.DataChannel, target livekit.SignalTarget) {
	if !h.isCurrent() {
		return
	}
	if target != livekit.SignalTarget_SUBSCRIBER {
		return
	}
	h.e.handleSubscriberDataChannel(dc)
}
