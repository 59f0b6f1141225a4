package transport

import (
	"testing"

	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/require"
)

func TestNewAPI(t *testing.T) {
	for _, useMDNS := range []bool{false, true} {
		api, err := NewAPI(APIParams{UseMDNS: useMDNS})
		require.NoError(t, err)

		pc, err := api.NewPeerConnection(webrtc.Configuration{})
		require.NoError(t, err)
		require.NoError(t, pc.Close())
	}
}

func TestCreateMediaEngineHeaderExtensions(t *testing.T) {
	me, err := createMediaEngine(RTPHeaderExtensionConfig{
		Audio: []string{sdp.AudioLevelURI},
	})
	require.NoError(t, err)

	api := webrtc.NewAPI(webrtc.WithMediaEngine(me))
	pc, err := api.NewPeerConnection(webrtc.Configuration{})
	require.NoError(t, err)
	defer pc.Close()

	_, err = pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio)
	require.NoError(t, err)
	offer, err := pc.CreateOffer(nil)
	require.NoError(t, err)
	require.Contains(t, offer.SDP, sdp.AudioLevelURI)
}
