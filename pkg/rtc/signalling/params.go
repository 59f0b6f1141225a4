package signalling

import (
	"fmt"
	"net/url"
	"runtime"
	"strconv"
	"strings"

	"github.com/livekit/protocol/livekit"

	"github.com/livekit/livekit-session/pkg/rtc/types"
	"github.com/livekit/livekit-session/version"
)

const sdkName = "go"

type JoinOptions struct {
	AutoSubscribe  bool
	AdaptiveStream bool
	// send and receive protojson text frames instead of binary protobuf
	UseJSON         bool
	ProtocolVersion types.ProtocolVersion
}

type reconnectParams struct {
	sid    string
	reason livekit.ReconnectReason
}

// ToWebsocketURL maps http(s) to ws(s) and appends the rtc endpoint.
func ToWebsocketURL(rawURL string) (*url.URL, error) {
	return endpointURL(rawURL, "/rtc", true)
}

func endpointURL(rawURL string, path string, websocket bool) (*url.URL, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	if u.Host == "" {
		return nil, fmt.Errorf("invalid url: %s", rawURL)
	}

	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "http"
		if websocket {
			u.Scheme = "ws"
		}
	case "https", "wss":
		u.Scheme = "https"
		if websocket {
			u.Scheme = "wss"
		}
	default:
		return nil, fmt.Errorf("unsupported url scheme: %s", u.Scheme)
	}

	u.Path = strings.TrimSuffix(u.Path, "/") + path
	u.RawQuery = ""
	return u, nil
}

func boolParam(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func buildQuery(token string, opts JoinOptions, rp *reconnectParams) url.Values {
	protocol := opts.ProtocolVersion
	if protocol == 0 {
		protocol = types.CurrentProtocol
	}

	q := url.Values{}
	q.Set("access_token", token)
	q.Set("protocol", strconv.Itoa(int(protocol)))
	q.Set("sdk", sdkName)
	q.Set("version", version.Version)
	q.Set("os", runtime.GOOS)
	q.Set("os_version", runtime.GOARCH)
	q.Set("auto_subscribe", boolParam(opts.AutoSubscribe))
	if opts.AdaptiveStream {
		q.Set("adaptive_stream", "1")
	}
	if rp != nil {
		q.Set("reconnect", "1")
		if rp.sid != "" {
			q.Set("sid", rp.sid)
		}
		q.Set("reconnect_reason", strconv.Itoa(int(rp.reason)))
	}
	return q
}

func buildSignalURL(rawURL string, token string, opts JoinOptions, rp *reconnectParams) (string, error) {
	u, err := ToWebsocketURL(rawURL)
	if err != nil {
		return "", err
	}
	u.RawQuery = buildQuery(token, opts, rp).Encode()
	return u.String(), nil
}

func buildValidateURL(rawURL string, token string, opts JoinOptions, rp *reconnectParams) (string, error) {
	u, err := endpointURL(rawURL, "/rtc/validate", false)
	if err != nil {
		return "", err
	}
	u.RawQuery = buildQuery(token, opts, rp).Encode()
	return u.String(), nil
}
