package rtc

import (
	"fmt"
	"sync"

	"github.com/gammazero/deque"
	"github.com/pion/webrtc/v3"

	"github.com/livekit/protocol/livekit"

	"github.com/livekit/livekit-session/pkg/rtc/types"
)

type ReconnectMode int

const (
	ReconnectModeResume ReconnectMode = iota
	ReconnectModeFull
)

func (m ReconnectMode) String() string {
	switch m {
	case ReconnectModeResume:
		return "resume"
	case ReconnectModeFull:
		return "full"
	default:
		return fmt.Sprintf("%d", int(m))
	}
}

type DisconnectReason int

const (
	DisconnectReasonClientInitiated DisconnectReason = iota
	DisconnectReasonServerLeave
	DisconnectReasonReconnectExhausted
	// a reconnect attempt failed in a way retrying cannot fix
	DisconnectReasonUnrecoverable
)

func (r DisconnectReason) String() string {
	switch r {
	case DisconnectReasonClientInitiated:
		return "CLIENT_INITIATED"
	case DisconnectReasonServerLeave:
		return "SERVER_LEAVE"
	case DisconnectReasonReconnectExhausted:
		return "RECONNECT_EXHAUSTED"
	case DisconnectReasonUnrecoverable:
		return "UNRECOVERABLE"
	default:
		return fmt.Sprintf("%d", int(r))
	}
}

// Event is emitted by the engine in order on the channel returned by Events.
type Event interface {
	isEngineEvent()
}

type ConnectedEvent struct {
	Join *livekit.JoinResponse
}

type ConnectionStateChangedEvent struct {
	State types.ConnectionState
}

type ReconnectingEvent struct {
	Mode    ReconnectMode
	Attempt int
}

type ResumedEvent struct{}

type RestartedEvent struct {
	Join *livekit.JoinResponse
}

// DisconnectedEvent is the last event, the channel is closed after it.
type DisconnectedEvent struct {
	Reason DisconnectReason
	// set when the server asked us to leave
	ServerReason livekit.DisconnectReason
	Err          error
	RetryCount   int
}

type DataReceivedEvent struct {
	Packet *livekit.DataPacket
}

type LocalTrackPublishedEvent struct {
	Cid   string
	Track *livekit.TrackInfo
}

type LocalTrackUnpublishedEvent struct {
	Cid      string
	TrackSid string
}

// DataChannelBufferStatusEvent fires when the buffered amount of a publisher data
// channel crosses its low threshold.
type DataChannelBufferStatusEvent struct {
	Kind livekit.DataPacket_Kind
	Low  bool
}

type ParticipantUpdateEvent struct {
	Participants []*livekit.ParticipantInfo
}

type SpeakersChangedEvent struct {
	Speakers []*livekit.SpeakerInfo
}

type RoomUpdateEvent struct {
	Room *livekit.Room
}

type ConnectionQualityEvent struct {
	Updates []*livekit.ConnectionQualityInfo
}

type RemoteTrackEvent struct {
	Track    *webrtc.TrackRemote
	Receiver *webrtc.RTPReceiver
}

type RemoteMuteEvent struct {
	TrackSid string
	Muted    bool
}

type TokenRefreshedEvent struct {
	Token string
}

// OfflineEvent is raised once per reconnect cycle when signal and media are both down.
type OfflineEvent struct{}

func (ConnectedEvent) isEngineEvent()               {}
func (ConnectionStateChangedEvent) isEngineEvent()  {}
func (ReconnectingEvent) isEngineEvent()            {}
func (ResumedEvent) isEngineEvent()                 {}
func (RestartedEvent) isEngineEvent()               {}
func (DisconnectedEvent) isEngineEvent()            {}
func (DataReceivedEvent) isEngineEvent()            {}
func (LocalTrackPublishedEvent) isEngineEvent()     {}
func (LocalTrackUnpublishedEvent) isEngineEvent()   {}
func (DataChannelBufferStatusEvent) isEngineEvent() {}
func (ParticipantUpdateEvent) isEngineEvent()       {}
func (SpeakersChangedEvent) isEngineEvent()         {}
func (RoomUpdateEvent) isEngineEvent()              {}
func (ConnectionQualityEvent) isEngineEvent()       {}
func (RemoteTrackEvent) isEngineEvent()             {}
func (RemoteMuteEvent) isEngineEvent()              {}
func (TokenRefreshedEvent) isEngineEvent()          {}
func (OfflineEvent) isEngineEvent()                 {}

// eventQueue buffers without bound between the engine and a consumer reading at
// its own pace.
type eventQueue struct {
	lock   sync.Mutex
	queue  *deque.Deque[Event]
	wake   chan struct{}
	closed bool

	out chan Event
}

func newEventQueue() *eventQueue {
	q := &eventQueue{
		queue: deque.New[Event](),
		wake:  make(chan struct{}, 1),
		out:   make(chan Event),
	}
	go q.run()
	return q
}

func (q *eventQueue) Events() <-chan Event {
	return q.out
}

func (q *eventQueue) push(ev Event) bool {
	q.lock.Lock()
	if q.closed {
		q.lock.Unlock()
		return false
	}
	q.queue.PushBack(ev)
	q.lock.Unlock()

	q.signal()
	return true
}

// close delivers what is queued, then closes the channel.
func (q *eventQueue) close() {
	q.lock.Lock()
	if q.closed {
		q.lock.Unlock()
		return
	}
	q.closed = true
	q.lock.Unlock()

	q.signal()
}

func (q *eventQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *eventQueue) run() {
	defer close(q.out)

	for {
		q.lock.Lock()
		for q.queue.Len() == 0 && !q.closed {
			q.lock.Unlock()
			<-q.wake
			q.lock.Lock()
		}
		if q.queue.Len() == 0 {
			q.lock.Unlock()
			return
		}
		ev := q.queue.PopFront()
		q.lock.Unlock()

		q.out <- ev
	}
}
