package testutils

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v3"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"

	"github.com/livekit/protocol/livekit"
	"github.com/livekit/protocol/logger"

	"github.com/livekit/livekit-session/pkg/rtc/signalling"
)

type SignalServerParams struct {
	// sent in the join response
	ClientConfiguration *livekit.ClientConfiguration
	// resumes get a ParticipantUpdate as first message instead of a ReconnectResponse
	SkipReconnectResponse bool
	// served on /settings/regions when set
	Regions *livekit.RegionSettings
	// data packets received on a server side data channel are sent back
	EchoData bool
	Logger   logger.Logger
}

// SignalServer is an in-process signal endpoint backed by real peer connections, enough
// to join, publish, exchange data and resume against.
type SignalServer struct {
	params   SignalServerParams
	srv      *httptest.Server
	upgrader websocket.Upgrader

	lock         sync.Mutex
	nextID       int
	rejectStatus int
	dropAddTrack bool
	dropOffers   bool
	stallResumes bool
	stalled      []*websocket.Conn
	sessions     map[string]*serverSession
	requests     []*livekit.SignalRequest
	joins        int
	resumes      int
}

type serverSession struct {
	s        *SignalServer
	sid      string
	answerer *Answerer

	lock sync.Mutex
	ws   *websocket.Conn
}

func NewSignalServer(params SignalServerParams) *SignalServer {
	if params.Logger == nil {
		params.Logger = logger.GetLogger()
	}
	s := &SignalServer{
		params:   params,
		sessions: make(map[string]*serverSession),
	}
	s.srv = httptest.NewServer(http.HandlerFunc(s.handle))
	return s
}

func (s *SignalServer) URL() string {
	return s.srv.URL
}

func (s *SignalServer) Close() {
	s.srv.CloseClientConnections()
	s.srv.Close()

	s.lock.Lock()
	sessions := make([]*serverSession, 0, len(s.sessions))
	for _, ss := range s.sessions {
		sessions = append(sessions, ss)
	}
	stalled := s.stalled
	s.stalled = nil
	s.lock.Unlock()
	for _, ss := range sessions {
		ss.close()
	}
	for _, ws := range stalled {
		_ = ws.Close()
	}
}

// SetRejectStatus fails websocket upgrades with status, 0 accepts again.
func (s *SignalServer) SetRejectStatus(status int) {
	s.lock.Lock()
	s.rejectStatus = status
	s.lock.Unlock()
}

// SetDropAddTrack stops answering AddTrack requests.
func (s *SignalServer) SetDropAddTrack(drop bool) {
	s.lock.Lock()
	s.dropAddTrack = drop
	s.lock.Unlock()
}

// SetDropOffers stops answering publisher offers, they are still recorded.
func (s *SignalServer) SetDropOffers(drop bool) {
	s.lock.Lock()
	s.dropOffers = drop
	s.lock.Unlock()
}

// SetStallResumes accepts resume sockets but never answers them.
func (s *SignalServer) SetStallResumes(stall bool) {
	s.lock.Lock()
	s.stallResumes = stall
	s.lock.Unlock()
}

func (s *SignalServer) Joins() int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.joins
}

func (s *SignalServer) Resumes() int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.resumes
}

// Requests returns the received requests whose message is of kind, e.g. "add_track".
func (s *SignalServer) Requests(kind string) []*livekit.SignalRequest {
	s.lock.Lock()
	defer s.lock.Unlock()

	var out []*livekit.SignalRequest
	for _, req := range s.requests {
		if requestKind(req) == kind {
			out = append(out, req)
		}
	}
	return out
}

// DropConnections closes every signal socket without a close frame, as a network
// failure would. Peer connections are left alone.
func (s *SignalServer) DropConnections() {
	for _, ss := range s.sessionList() {
		ss.lock.Lock()
		if ss.ws != nil {
			_ = ss.ws.UnderlyingConn().Close()
			ss.ws = nil
		}
		ss.lock.Unlock()
	}
}

// ClosePeerConnections tears down the server side of every session's media.
func (s *SignalServer) ClosePeerConnections() {
	for _, ss := range s.sessionList() {
		ss.answerer.Close()
	}
}

// Send pushes a response to every connected session.
func (s *SignalServer) Send(res *livekit.SignalResponse) {
	for _, ss := range s.sessionList() {
		ss.send(res)
	}
}

func (s *SignalServer) SendLeave(canReconnect bool, reason livekit.DisconnectReason) {
	s.Send(&livekit.SignalResponse{
		Message: &livekit.SignalResponse_Leave{
			Leave: &livekit.LeaveRequest{CanReconnect: canReconnect, Reason: reason},
		},
	})
}

func (s *SignalServer) sessionList() []*serverSession {
	s.lock.Lock()
	defer s.lock.Unlock()

	out := make([]*serverSession, 0, len(s.sessions))
	for _, ss := range s.sessions {
		out = append(out, ss)
	}
	return out
}

func (s *SignalServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/settings/regions" {
		s.handleRegions(w)
		return
	}

	s.lock.Lock()
	reject := s.rejectStatus
	s.lock.Unlock()
	if reject != 0 {
		http.Error(w, http.StatusText(reject), reject)
		return
	}
	if strings.HasSuffix(r.URL.Path, "/validate") {
		_, _ = w.Write([]byte("success"))
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	q := r.URL.Query()
	if q.Get("reconnect") == "1" {
		s.handleResume(ws, q.Get("sid"))
		return
	}
	s.handleJoin(ws)
}

func (s *SignalServer) handleRegions(w http.ResponseWriter) {
	if s.params.Regions == nil {
		http.NotFound(w, nil)
		return
	}
	payload, err := protojson.Marshal(s.params.Regions)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(payload)
}

func (s *SignalServer) handleJoin(ws *websocket.Conn) {
	s.lock.Lock()
	s.nextID++
	s.joins++
	sid := fmt.Sprintf("PA_%d", s.nextID)
	s.lock.Unlock()

	ss := &serverSession{s: s, sid: sid, ws: ws}
	answerer, err := NewAnswerer(func(c webrtc.ICECandidateInit) {
		ss.send(&livekit.SignalResponse{
			Message: &livekit.SignalResponse_Trickle{
				Trickle: signalling.ToProtoTrickle(c, livekit.SignalTarget_PUBLISHER),
			},
		})
	})
	if err != nil {
		s.params.Logger.Errorw("could not create answerer", err)
		_ = ws.Close()
		return
	}
	ss.answerer = answerer
	if s.params.EchoData {
		answerer.PC.OnDataChannel(func(dc *webrtc.DataChannel) {
			dc.OnMessage(func(msg webrtc.DataChannelMessage) {
				_ = dc.Send(msg.Data)
			})
		})
	}

	s.lock.Lock()
	s.sessions[sid] = ss
	s.lock.Unlock()

	ss.send(&livekit.SignalResponse{
		Message: &livekit.SignalResponse_Join{
			Join: &livekit.JoinResponse{
				Room:        &livekit.Room{Sid: "RM_test", Name: "test"},
				Participant: &livekit.ParticipantInfo{Sid: sid, Identity: "identity-" + sid},
				ServerInfo: &livekit.ServerInfo{
					Version:  "1.0.0",
					Protocol: 9,
				},
				ClientConfiguration: s.params.ClientConfiguration,
			},
		},
	})
	go ss.readLoop(ws)
}

func (s *SignalServer) handleResume(ws *websocket.Conn, sid string) {
	s.lock.Lock()
	ss := s.sessions[sid]
	if ss != nil {
		s.resumes++
	}
	stall := s.stallResumes
	if stall {
		s.stalled = append(s.stalled, ws)
	}
	s.lock.Unlock()

	if stall {
		go func() {
			for {
				if _, _, err := ws.ReadMessage(); err != nil {
					return
				}
			}
		}()
		return
	}

	if ss == nil {
		payload, _ := proto.Marshal(&livekit.SignalResponse{
			Message: &livekit.SignalResponse_Leave{
				Leave: &livekit.LeaveRequest{CanReconnect: true, Reason: livekit.DisconnectReason_STATE_MISMATCH},
			},
		})
		_ = ws.WriteMessage(websocket.BinaryMessage, payload)
		_ = ws.Close()
		return
	}

	ss.lock.Lock()
	if ss.ws != nil {
		_ = ss.ws.Close()
	}
	ss.ws = ws
	ss.lock.Unlock()

	if s.params.SkipReconnectResponse {
		ss.send(&livekit.SignalResponse{
			Message: &livekit.SignalResponse_Update{
				Update: &livekit.ParticipantUpdate{},
			},
		})
	} else {
		ss.send(&livekit.SignalResponse{
			Message: &livekit.SignalResponse_Reconnect{
				Reconnect: &livekit.ReconnectResponse{
					ClientConfiguration: s.params.ClientConfiguration,
				},
			},
		})
	}
	go ss.readLoop(ws)
}

func (ss *serverSession) send(res *livekit.SignalResponse) {
	payload, err := proto.Marshal(res)
	if err != nil {
		return
	}

	ss.lock.Lock()
	defer ss.lock.Unlock()
	if ss.ws == nil {
		return
	}
	_ = ss.ws.SetWriteDeadline(time.Now().Add(5 * time.Second))
	_ = ss.ws.WriteMessage(websocket.BinaryMessage, payload)
}

func (ss *serverSession) close() {
	ss.lock.Lock()
	if ss.ws != nil {
		_ = ss.ws.Close()
		ss.ws = nil
	}
	ss.lock.Unlock()
	ss.answerer.Close()
}

func (ss *serverSession) readLoop(ws *websocket.Conn) {
	for {
		msgType, payload, err := ws.ReadMessage()
		if err != nil {
			return
		}

		req := &livekit.SignalRequest{}
		if msgType == websocket.TextMessage {
			err = protojson.Unmarshal(payload, req)
		} else {
			err = proto.Unmarshal(payload, req)
		}
		if err != nil {
			continue
		}

		ss.s.lock.Lock()
		ss.s.requests = append(ss.s.requests, req)
		drop := dropRules{addTrack: ss.s.dropAddTrack, offers: ss.s.dropOffers}
		ss.s.lock.Unlock()

		ss.handleRequest(ws, req, drop)
	}
}

type dropRules struct {
	addTrack bool
	offers   bool
}

func (ss *serverSession) handleRequest(ws *websocket.Conn, req *livekit.SignalRequest, drop dropRules) {
	switch msg := req.GetMessage().(type) {
	case *livekit.SignalRequest_Offer:
		if drop.offers {
			return
		}
		answer, err := ss.answerer.HandleOffer(signalling.FromProtoSessionDescription(msg.Offer))
		if err != nil {
			ss.s.params.Logger.Warnw("could not answer offer", err)
			return
		}
		ss.send(&livekit.SignalResponse{
			Message: &livekit.SignalResponse_Answer{Answer: signalling.ToProtoSessionDescription(answer)},
		})

	case *livekit.SignalRequest_Trickle:
		if msg.Trickle.GetTarget() != livekit.SignalTarget_PUBLISHER {
			return
		}
		candidate, err := signalling.FromProtoTrickle(msg.Trickle)
		if err != nil {
			return
		}
		_ = ss.answerer.AddICECandidate(candidate)

	case *livekit.SignalRequest_AddTrack:
		if drop.addTrack {
			return
		}
		ss.send(&livekit.SignalResponse{
			Message: &livekit.SignalResponse_TrackPublished{
				TrackPublished: &livekit.TrackPublishedResponse{
					Cid: msg.AddTrack.GetCid(),
					Track: &livekit.TrackInfo{
						Sid:   "TR_" + msg.AddTrack.GetCid(),
						Type:  msg.AddTrack.GetType(),
						Name:  msg.AddTrack.GetName(),
						Muted: msg.AddTrack.GetMuted(),
					},
				},
			},
		})

	case *livekit.SignalRequest_Ping:
		ss.send(&livekit.SignalResponse{
			Message: &livekit.SignalResponse_Pong{Pong: time.Now().UnixMilli()},
		})

	case *livekit.SignalRequest_PingReq:
		ss.send(&livekit.SignalResponse{
			Message: &livekit.SignalResponse_PongResp{
				PongResp: &livekit.Pong{
					LastPingTimestamp: msg.PingReq.GetTimestamp(),
					Timestamp:         time.Now().UnixMilli(),
				},
			},
		})

	case *livekit.SignalRequest_Leave:
		ss.lock.Lock()
		if ss.ws == ws {
			_ = ws.Close()
			ss.ws = nil
		}
		ss.lock.Unlock()
	}
}

// requestKind names a request by its message field.
func requestKind(req *livekit.SignalRequest) string {
	m := req.ProtoReflect()
	oneof := m.Descriptor().Oneofs().ByName("message")
	if oneof == nil {
		return ""
	}
	if fd := m.WhichOneof(oneof); fd != nil {
		return string(fd.Name())
	}
	return ""
}
