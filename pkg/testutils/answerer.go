package testutils

import (
	"sync"

	"github.com/pion/webrtc/v3"
)

// Answerer is the server half of a peer connection, answering offers it is handed.
type Answerer struct {
	PC *webrtc.PeerConnection

	lock      sync.Mutex
	pending   []webrtc.ICECandidateInit
	hasRemote bool
}

// NewAnswerer relays local candidates through onCandidate.
func NewAnswerer(onCandidate func(webrtc.ICECandidateInit)) (*Answerer, error) {
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		return nil, err
	}
	a := &Answerer{PC: pc}
	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil || onCandidate == nil {
			return
		}
		onCandidate(c.ToJSON())
	})
	return a, nil
}

func (a *Answerer) HandleOffer(offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	a.lock.Lock()
	defer a.lock.Unlock()

	if err := a.PC.SetRemoteDescription(offer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	a.hasRemote = true
	for _, c := range a.pending {
		if err := a.PC.AddICECandidate(c); err != nil {
			return webrtc.SessionDescription{}, err
		}
	}
	a.pending = nil

	answer, err := a.PC.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := a.PC.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return answer, nil
}

func (a *Answerer) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	a.lock.Lock()
	defer a.lock.Unlock()

	if !a.hasRemote {
		a.pending = append(a.pending, candidate)
		return nil
	}
	return a.PC.AddICECandidate(candidate)
}

func (a *Answerer) Close() {
	_ = a.PC.Close()
}
