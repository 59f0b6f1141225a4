package transport

import (
	"errors"

	"github.com/pion/webrtc/v3"

	"github.com/livekit/protocol/livekit"
)

var (
	ErrNoICECandidateHandler = errors.New("no ICE candidate handler")
	ErrNoOfferHandler        = errors.New("no offer handler")
	ErrNoAnswerHandler       = errors.New("no answer handler")
)

type Handler interface {
	OnICECandidate(c *webrtc.ICECandidate, target livekit.SignalTarget) error
	OnOffer(sd webrtc.SessionDescription) error
	OnAnswer(sd webrtc.SessionDescription) error
	OnStateChange(state webrtc.PeerConnectionState)
	OnNegotiationStateChanged(state NegotiationState)
	OnNegotiationFailed()
	OnTrack(track *webrtc.TrackRemote, rtpReceiver *webrtc.RTPReceiver)
	OnDataChannel(dc *webrtc.DataChannel)
}

type UnimplementedHandler struct{}

func (h UnimplementedHandler) OnICECandidate(c *webrtc.ICECandidate, target livekit.SignalTarget) error {
	return ErrNoICECandidateHandler
}
func (h UnimplementedHandler) OnOffer(sd webrtc.SessionDescription) error {
	return ErrNoOfferHandler
}
func (h UnimplementedHandler) OnAnswer(sd webrtc.SessionDescription) error {
	return ErrNoAnswerHandler
}
func (h UnimplementedHandler) OnStateChange(state webrtc.PeerConnectionState)                     {}
func (h UnimplementedHandler) OnNegotiationStateChanged(state NegotiationState)                   {}
func (h UnimplementedHandler) OnNegotiationFailed()                                               {}
func (h UnimplementedHandler) OnTrack(track *webrtc.TrackRemote, rtpReceiver *webrtc.RTPReceiver) {}
func (h UnimplementedHandler) OnDataChannel(dc *webrtc.DataChannel)                               {}
