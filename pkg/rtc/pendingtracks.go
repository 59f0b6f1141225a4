package rtc

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/livekit/protocol/livekit"

	"github.com/livekit/livekit-session/pkg/rtc/types"
)

const DefaultPublishTimeout = 10 * time.Second

type pendingTrackResult struct {
	track *livekit.TrackInfo
	err   error
}

type pendingTrack struct {
	result chan pendingTrackResult
	timer  *clock.Timer
}

// pendingTracks correlates AddTrack requests with the server's TrackPublished
// response by client track id. Every entry completes exactly once.
type pendingTracks struct {
	clock   clock.Clock
	timeout time.Duration

	lock   sync.Mutex
	tracks map[string]*pendingTrack
}

func newPendingTracks(clk clock.Clock, timeout time.Duration) *pendingTracks {
	if timeout <= 0 {
		timeout = DefaultPublishTimeout
	}
	return &pendingTracks{
		clock:   clk,
		timeout: timeout,
		tracks:  make(map[string]*pendingTrack),
	}
}

func (p *pendingTracks) add(cid string) (<-chan pendingTrackResult, error) {
	p.lock.Lock()
	defer p.lock.Unlock()

	if _, ok := p.tracks[cid]; ok {
		return nil, types.ErrTrackInvalid
	}

	pt := &pendingTrack{
		result: make(chan pendingTrackResult, 1),
	}
	pt.timer = p.clock.AfterFunc(p.timeout, func() {
		p.expire(cid, pt)
	})
	p.tracks[cid] = pt
	return pt.result, nil
}

func (p *pendingTracks) has(cid string) bool {
	p.lock.Lock()
	defer p.lock.Unlock()
	_, ok := p.tracks[cid]
	return ok
}

func (p *pendingTracks) resolve(cid string, track *livekit.TrackInfo) bool {
	return p.complete(cid, track, nil)
}

func (p *pendingTracks) reject(cid string, err error) bool {
	return p.complete(cid, nil, err)
}

func (p *pendingTracks) rejectAll(err error) {
	p.lock.Lock()
	cids := make([]string, 0, len(p.tracks))
	for cid := range p.tracks {
		cids = append(cids, cid)
	}
	p.lock.Unlock()

	for _, cid := range cids {
		p.complete(cid, nil, err)
	}
}

// expire times pt out, unless cid completed and was added again since pt's timer started.
func (p *pendingTracks) expire(cid string, pt *pendingTrack) bool {
	p.lock.Lock()
	if p.tracks[cid] != pt {
		p.lock.Unlock()
		return false
	}
	delete(p.tracks, cid)
	p.lock.Unlock()

	pt.result <- pendingTrackResult{err: types.ErrPublishTimeout}
	return true
}

func (p *pendingTracks) complete(cid string, track *livekit.TrackInfo, err error) bool {
	p.lock.Lock()
	pt, ok := p.tracks[cid]
	if ok {
		delete(p.tracks, cid)
	}
	p.lock.Unlock()

	if !ok {
		return false
	}
	pt.timer.Stop()
	pt.result <- pendingTrackResult{track: track, err: err}
	return true
}
