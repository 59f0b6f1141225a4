package signalling

import (
	"github.com/pion/webrtc/v3"

	"github.com/livekit/protocol/livekit"
)

// Handler receives server pushed messages, one method per message kind. Calls are made
// from the connection's read goroutine in arrival order.
type Handler interface {
	OnAnswer(sd webrtc.SessionDescription)
	OnOffer(sd webrtc.SessionDescription)
	OnTrickle(candidate webrtc.ICECandidateInit, target livekit.SignalTarget)
	OnParticipantUpdate(participants []*livekit.ParticipantInfo)
	OnSpeakersChanged(speakers []*livekit.SpeakerInfo)
	OnRoomUpdate(room *livekit.Room)
	OnConnectionQuality(updates []*livekit.ConnectionQualityInfo)
	OnLocalTrackPublished(res *livekit.TrackPublishedResponse)
	OnLocalTrackUnpublished(res *livekit.TrackUnpublishedResponse)
	OnRemoteMute(req *livekit.MuteTrackRequest)
	OnTokenRefresh(token string)
	OnLeave(leave *livekit.LeaveRequest)
	// OnClose fires once per established connection when it is lost, never for a local Close.
	OnClose(reason string)
}

type UnimplementedHandler struct{}

func (h UnimplementedHandler) OnAnswer(sd webrtc.SessionDescription) {}
func (h UnimplementedHandler) OnOffer(sd webrtc.SessionDescription)  {}
func (h UnimplementedHandler) OnTrickle(candidate webrtc.ICECandidateInit, target livekit.SignalTarget) {
}
func (h UnimplementedHandler) OnParticipantUpdate(participants []*livekit.ParticipantInfo)  {}
func (h UnimplementedHandler) OnSpeakersChanged(speakers []*livekit.SpeakerInfo)            {}
func (h UnimplementedHandler) OnRoomUpdate(room *livekit.Room)                              {}
func (h UnimplementedHandler) OnConnectionQuality(updates []*livekit.ConnectionQualityInfo) {}
func (h UnimplementedHandler) OnLocalTrackPublished(res *livekit.TrackPublishedResponse)    {}
func (h UnimplementedHandler) OnLocalTrackUnpublished(res *livekit.TrackUnpublishedResponse) {
}
func (h UnimplementedHandler) OnRemoteMute(req *livekit.MuteTrackRequest) {}
func (h UnimplementedHandler) OnTokenRefresh(token string)                {}
func (h UnimplementedHandler) OnLeave(leave *livekit.LeaveRequest)        {}
func (h UnimplementedHandler) OnClose(reason string)                      {}
