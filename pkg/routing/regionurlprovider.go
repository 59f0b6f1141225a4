package routing

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protojson"

	"github.com/livekit/protocol/livekit"
	"github.com/livekit/protocol/logger"

	"github.com/livekit/livekit-session/pkg/rtc/types"
)

const (
	DefaultRegionCacheTTL = 3 * time.Second

	regionSettingsPath = "/settings/regions"
	// region lists are a few hundred bytes, anything near this is not a settings response
	maxRegionSettingsSize = 1 << 20
)

var cloudHostSuffixes = []string{".livekit.cloud", ".livekit.run"}

type RegionURLProviderParams struct {
	HTTPClient *http.Client
	CacheTTL   time.Duration
	// allow failover for hosts that are not LiveKit Cloud
	ForceEnable bool
	Logger      logger.Logger
}

// RegionURLProvider hands out alternate regional endpoints for a server URL, each at most once
// until ResetAttempts.
type RegionURLProvider struct {
	params    RegionURLProviderParams
	serverURL *url.URL

	lock      sync.Mutex
	token     string
	attempted map[string]struct{}
	settings  *expirable.LRU[string, *livekit.RegionSettings]
}

func NewRegionURLProvider(serverURL string, token string, params RegionURLProviderParams) (*RegionURLProvider, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return nil, errors.Wrap(err, "invalid server url")
	}
	if u.Host == "" {
		return nil, fmt.Errorf("invalid server url: %s", serverURL)
	}
	if params.HTTPClient == nil {
		params.HTTPClient = http.DefaultClient
	}
	if params.CacheTTL <= 0 {
		params.CacheTTL = DefaultRegionCacheTTL
	}
	if params.Logger == nil {
		params.Logger = logger.GetLogger()
	}

	return &RegionURLProvider{
		params:    params,
		serverURL: u,
		token:     token,
		attempted: make(map[string]struct{}),
		settings:  expirable.NewLRU[string, *livekit.RegionSettings](1, nil, params.CacheTTL),
	}, nil
}

func IsCloudURL(u *url.URL) bool {
	host := u.Hostname()
	for _, suffix := range cloudHostSuffixes {
		if strings.HasSuffix(host, suffix) {
			return true
		}
	}
	return false
}

func (p *RegionURLProvider) IsCloud() bool {
	return IsCloudURL(p.serverURL)
}

// Enabled is true when failover applies to this server.
func (p *RegionURLProvider) Enabled() bool {
	return p.params.ForceEnable || p.IsCloud()
}

func (p *RegionURLProvider) UpdateToken(token string) {
	p.lock.Lock()
	p.token = token
	p.lock.Unlock()
}

func (p *RegionURLProvider) ResetAttempts() {
	p.lock.Lock()
	p.attempted = make(map[string]struct{})
	p.lock.Unlock()
}

// SetServerReportedRegions seeds the cache with settings the server sent along with a leave.
func (p *RegionURLProvider) SetServerReportedRegions(settings *livekit.RegionSettings) {
	if settings == nil {
		return
	}
	p.settings.Add(p.serverURL.Host, settings)
}

// NextBestRegionURL returns the closest region not attempted yet, or "" once every
// region has been tried.
func (p *RegionURLProvider) NextBestRegionURL(ctx context.Context) (string, error) {
	if !p.Enabled() {
		return "", ErrRegionsNotSupported
	}

	settings, ok := p.settings.Get(p.serverURL.Host)
	if !ok {
		var err error
		if settings, err = p.fetchRegionSettings(ctx); err != nil {
			return "", err
		}
		p.settings.Add(p.serverURL.Host, settings)
	}

	p.lock.Lock()
	defer p.lock.Unlock()
	for _, region := range settings.GetRegions() {
		if region.GetUrl() == "" {
			continue
		}
		if _, tried := p.attempted[region.GetUrl()]; tried {
			continue
		}
		p.attempted[region.GetUrl()] = struct{}{}
		p.params.Logger.Debugw("next best region", "region", region.GetRegion(), "url", region.GetUrl())
		return region.GetUrl(), nil
	}
	return "", nil
}

func (p *RegionURLProvider) settingsURL() string {
	u := *p.serverURL
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	}
	u.Path = regionSettingsPath
	u.RawQuery = ""
	return u.String()
}

func (p *RegionURLProvider) fetchRegionSettings(ctx context.Context) (*livekit.RegionSettings, error) {
	p.lock.Lock()
	token := p.token
	p.lock.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.settingsURL(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := p.params.HTTPClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, types.NewConnectionError(types.ConnectionErrorCancelled, "region settings request cancelled", ctx.Err())
		}
		return nil, types.NewConnectionError(types.ConnectionErrorServerUnreachable, "could not fetch region settings", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxRegionSettingsSize+1))
	if err != nil {
		return nil, types.NewConnectionError(types.ConnectionErrorServerUnreachable, "could not read region settings", err)
	}
	if len(body) > maxRegionSettingsSize {
		return nil, &types.ConnectionError{
			Reason: types.ConnectionErrorInternal,
			Status: resp.StatusCode,
			Msg:    fmt.Sprintf("region settings larger than %d bytes", maxRegionSettingsSize),
		}
	}

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, &types.ConnectionError{
			Reason: types.ConnectionErrorNotAllowed,
			Status: resp.StatusCode,
			Msg:    "could not fetch region settings: " + strings.TrimSpace(string(body)),
		}
	default:
		return nil, &types.ConnectionError{
			Reason: types.ConnectionErrorInternal,
			Status: resp.StatusCode,
			Msg:    "could not fetch region settings: " + strings.TrimSpace(string(body)),
		}
	}

	settings := &livekit.RegionSettings{}
	if err := (protojson.UnmarshalOptions{DiscardUnknown: true}).Unmarshal(body, settings); err != nil {
		return nil, errors.Wrap(err, "invalid region settings")
	}
	return settings, nil
}
