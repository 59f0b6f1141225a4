package signalling

import (
	"encoding/json"

	"github.com/pion/webrtc/v3"

	"github.com/livekit/protocol/livekit"
)

func ToProtoSessionDescription(sd webrtc.SessionDescription) *livekit.SessionDescription {
	return &livekit.SessionDescription{
		Type: sd.Type.String(),
		Sdp:  sd.SDP,
	}
}

func FromProtoSessionDescription(sd *livekit.SessionDescription) webrtc.SessionDescription {
	var sdType webrtc.SDPType
	switch sd.GetType() {
	case webrtc.SDPTypeOffer.String():
		sdType = webrtc.SDPTypeOffer
	case webrtc.SDPTypeAnswer.String():
		sdType = webrtc.SDPTypeAnswer
	case webrtc.SDPTypePranswer.String():
		sdType = webrtc.SDPTypePranswer
	case webrtc.SDPTypeRollback.String():
		sdType = webrtc.SDPTypeRollback
	}
	return webrtc.SessionDescription{
		Type: sdType,
		SDP:  sd.GetSdp(),
	}
}

func ToProtoTrickle(candidateInit webrtc.ICECandidateInit, target livekit.SignalTarget) *livekit.TrickleRequest {
	data, _ := json.Marshal(candidateInit)
	return &livekit.TrickleRequest{
		CandidateInit: string(data),
		Target:        target,
	}
}

func FromProtoTrickle(trickle *livekit.TrickleRequest) (webrtc.ICECandidateInit, error) {
	ci := webrtc.ICECandidateInit{}
	err := json.Unmarshal([]byte(trickle.GetCandidateInit()), &ci)
	if err != nil {
		return webrtc.ICECandidateInit{}, err
	}
	return ci, nil
}

// requestKind names the oneof case of a request, for logs and metrics.
func requestKind(req *livekit.SignalRequest) string {
	switch req.GetMessage().(type) {
	case *livekit.SignalRequest_Offer:
		return "offer"
	case *livekit.SignalRequest_Answer:
		return "answer"
	case *livekit.SignalRequest_Trickle:
		return "trickle"
	case *livekit.SignalRequest_AddTrack:
		return "add_track"
	case *livekit.SignalRequest_Mute:
		return "mute"
	case *livekit.SignalRequest_Subscription:
		return "subscription"
	case *livekit.SignalRequest_TrackSetting:
		return "track_setting"
	case *livekit.SignalRequest_Leave:
		return "leave"
	case *livekit.SignalRequest_UpdateMetadata:
		return "update_metadata"
	case *livekit.SignalRequest_SyncState:
		return "sync_state"
	case *livekit.SignalRequest_Simulate:
		return "simulate"
	case *livekit.SignalRequest_Ping:
		return "ping"
	case *livekit.SignalRequest_PingReq:
		return "ping_req"
	default:
		return "unknown"
	}
}

// canBypassQueue lists the requests that go out immediately even while reconnecting.
func canBypassQueue(req *livekit.SignalRequest) bool {
	switch req.GetMessage().(type) {
	case *livekit.SignalRequest_Offer,
		*livekit.SignalRequest_Answer,
		*livekit.SignalRequest_Trickle,
		*livekit.SignalRequest_Leave,
		*livekit.SignalRequest_SyncState,
		*livekit.SignalRequest_Simulate:
		return true
	default:
		return false
	}
}
