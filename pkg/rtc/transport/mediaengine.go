// Copyright 2023 LiveKit, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package transport

import (
	"github.com/pion/ice/v2"
	"github.com/pion/interceptor"
	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v3"

	"github.com/livekit/protocol/logger"

	serverlogger "github.com/livekit/livekit-session/pkg/logger"
)

type RTPHeaderExtensionConfig struct {
	Audio []string
	Video []string
}

var DefaultRTPHeaderExtensions = RTPHeaderExtensionConfig{
	Audio: []string{
		sdp.SDESMidURI,
		sdp.AudioLevelURI,
	},
	Video: []string{
		sdp.SDESMidURI,
		sdp.SDESRTPStreamIDURI,
		sdp.TransportCCURI,
		DependencyDescriptorURI,
	},
}

type APIParams struct {
	Logger           logger.Logger
	PionLevel        string
	HeaderExtensions *RTPHeaderExtensionConfig
	SettingEngine    *webrtc.SettingEngine
	UseMDNS          bool
}

func registerHeaderExtensions(me *webrtc.MediaEngine, rtpHeaderExtension RTPHeaderExtensionConfig) error {
	for _, extension := range rtpHeaderExtension.Video {
		if err := me.RegisterHeaderExtension(webrtc.RTPHeaderExtensionCapability{URI: extension}, webrtc.RTPCodecTypeVideo); err != nil {
			return err
		}
	}

	for _, extension := range rtpHeaderExtension.Audio {
		if err := me.RegisterHeaderExtension(webrtc.RTPHeaderExtensionCapability{URI: extension}, webrtc.RTPCodecTypeAudio); err != nil {
			return err
		}
	}

	return nil
}

func createMediaEngine(extensions RTPHeaderExtensionConfig) (*webrtc.MediaEngine, error) {
	me := &webrtc.MediaEngine{}
	if err := me.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}

	if err := registerHeaderExtensions(me, extensions); err != nil {
		return nil, err
	}

	return me, nil
}

// NewAPI builds the pion API shared by both transports of a session. Each peer
// connection gets its own copy of the media engine.
func NewAPI(params APIParams) (*webrtc.API, error) {
	if params.Logger == nil {
		params.Logger = logger.GetLogger()
	}
	extensions := DefaultRTPHeaderExtensions
	if params.HeaderExtensions != nil {
		extensions = *params.HeaderExtensions
	}

	me, err := createMediaEngine(extensions)
	if err != nil {
		return nil, err
	}

	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(me, ir); err != nil {
		return nil, err
	}

	se := webrtc.SettingEngine{}
	if params.SettingEngine != nil {
		se = *params.SettingEngine
	}
	se.LoggerFactory = serverlogger.NewLoggerFactory(params.Logger, params.PionLevel)
	if !params.UseMDNS {
		se.SetICEMulticastDNSMode(ice.MulticastDNSModeDisabled)
	}

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(me),
		webrtc.WithSettingEngine(se),
		webrtc.WithInterceptorRegistry(ir),
	), nil
}
