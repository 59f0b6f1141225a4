package types

import (
	goversion "github.com/hashicorp/go-version"

	"github.com/livekit/protocol/livekit"
)

type ProtocolVersion int

const CurrentProtocol ProtocolVersion = 9

// first OSS server release that answers PingReq with PongResp
var pongRespServerVersion = goversion.Must(goversion.NewVersion("1.4.0"))

func (v ProtocolVersion) SupportsPingReq() bool {
	return v > 8
}

func (v ProtocolVersion) SupportsRegionSettings() bool {
	return v > 7
}

// ServerSupportsPingReq reports whether the server measures RTT through PingReq/PongResp.
// Cloud servers advertise the protocol version, OSS servers only the release.
func ServerSupportsPingReq(info *livekit.ServerInfo) bool {
	if info == nil {
		return false
	}
	if info.Protocol > 0 {
		return ProtocolVersion(info.Protocol).SupportsPingReq()
	}
	v, err := goversion.NewVersion(info.Version)
	if err != nil {
		return false
	}
	return v.GreaterThanOrEqual(pongRespServerVersion)
}
