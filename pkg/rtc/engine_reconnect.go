package rtc

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/livekit/protocol/livekit"

	"github.com/livekit/livekit-session/pkg/rtc/reconnect"
	"github.com/livekit/livekit-session/pkg/rtc/types"
	"github.com/livekit/livekit-session/pkg/telemetry/prometheus"
)

type SimulateScenario int

const (
	// drop the signal socket, recovered with a resume
	SimulateSignalReconnect SimulateScenario = iota
	// drop the signal socket and recover with a full reconnect
	SimulateFullReconnect
	SimulateSpeakerUpdate
	SimulateNodeFailure
	SimulateMigration
	SimulateServerLeave
)

// seconds
const SimulateSpeakerUpdateInterval = 5

func (s SimulateScenario) String() string {
	switch s {
	case SimulateSignalReconnect:
		return "signal-reconnect"
	case SimulateFullReconnect:
		return "full-reconnect"
	case SimulateSpeakerUpdate:
		return "speaker"
	case SimulateNodeFailure:
		return "node-failure"
	case SimulateMigration:
		return "migration"
	case SimulateServerLeave:
		return "server-leave"
	default:
		return "unknown"
	}
}

// Simulate triggers a failure scenario, locally or by asking the server.
func (e *RTCEngine) Simulate(scenario SimulateScenario) error {
	if e.IsClosed() {
		return types.ErrEngineClosed
	}
	if !e.hasJoined() {
		return ErrNotJoined
	}
	e.params.Logger.Infow("simulating scenario", "scenario", scenario.String())

	var req *livekit.SimulateScenario
	switch scenario {
	case SimulateSignalReconnect:
		e.signal.CloseConnection("simulate signal reconnect")
		return nil

	case SimulateFullReconnect:
		e.lock.Lock()
		e.fullReconnectOnNext = true
		e.lock.Unlock()
		e.signal.CloseConnection("simulate full reconnect")
		return nil

	case SimulateSpeakerUpdate:
		req = &livekit.SimulateScenario{
			Scenario: &livekit.SimulateScenario_SpeakerUpdate{SpeakerUpdate: SimulateSpeakerUpdateInterval},
		}
	case SimulateNodeFailure:
		req = &livekit.SimulateScenario{
			Scenario: &livekit.SimulateScenario_NodeFailure{NodeFailure: true},
		}
	case SimulateMigration:
		req = &livekit.SimulateScenario{
			Scenario: &livekit.SimulateScenario_Migration{Migration: true},
		}
	case SimulateServerLeave:
		req = &livekit.SimulateScenario{
			Scenario: &livekit.SimulateScenario_ServerLeave{ServerLeave: true},
		}
	default:
		return ErrUnknownScenario
	}
	return e.signal.SendSimulateScenario(req)
}

func (e *RTCEngine) hasJoined() bool {
	if e.IsClosed() {
		return false
	}
	e.stateLock.Lock()
	defer e.stateLock.Unlock()
	return e.everConnected
}

// IsReconnecting is true from the first failure until recovery or close.
func (e *RTCEngine) IsReconnecting() bool {
	e.lock.RLock()
	defer e.lock.RUnlock()
	return e.reconnecting
}

// cancelReconnect aborts a scheduled or running attempt and forgets the cycle. The
// returned channel, if any, closes once the running attempt has returned.
func (e *RTCEngine) cancelReconnect() <-chan struct{} {
	e.lock.Lock()
	e.reconnectSeq++
	done := e.reconnectDone
	if e.reconnectTimer != nil {
		e.reconnectTimer.Stop()
		e.reconnectTimer = nil
	}
	if e.reconnectCancel != nil {
		e.reconnectCancel()
		e.reconnectCancel = nil
	}
	e.reconnecting = false
	e.reconnectAttempts = 0
	e.reconnectStart = time.Time{}
	e.fullReconnectOnNext = false
	e.offlineEmitted = false
	e.lastReconnectErr = nil
	e.lock.Unlock()

	e.stateLock.Lock()
	e.everConnected = false
	e.stateLock.Unlock()
	return done
}

func (e *RTCEngine) nextRetryDelay(ctx reconnect.Context) (delay time.Duration, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			e.params.Logger.Errorw("reconnect policy panicked", nil, "panic", r)
			delay, ok = 0, false
		}
	}()
	return e.params.ReconnectPolicy.NextRetryDelay(ctx)
}

// handleDisconnect schedules the next reconnect attempt, or closes the engine once the
// policy gives up. immediate skips the policy delay.
func (e *RTCEngine) handleDisconnect(source string, reason livekit.ReconnectReason, immediate bool) {
	if !e.hasJoined() {
		return
	}
	if e.attemptingReconnect.Load() {
		// the running attempt reschedules when it fails
		return
	}

	e.lock.Lock()
	if e.reconnectStart.IsZero() {
		e.reconnectStart = e.params.Clock.Now()
	}
	retry := reconnect.Context{
		RetryCount: e.reconnectAttempts,
		Elapsed:    e.params.Clock.Since(e.reconnectStart),
	}
	delay, ok := e.nextRetryDelay(retry)
	if !ok {
		lastErr := e.lastReconnectErr
		e.lock.Unlock()

		e.params.Logger.Warnw("could not recover connection, giving up", lastErr, "attempts", retry.RetryCount, "elapsed", retry.Elapsed)
		prometheus.ReconnectAttempts.Observe(float64(retry.RetryCount))
		e.close(DisconnectedEvent{
			Reason:     DisconnectReasonReconnectExhausted,
			Err:        lastErr,
			RetryCount: retry.RetryCount,
		})
		return
	}
	if immediate {
		delay = 0
	}

	if e.reconnectTimer != nil {
		e.reconnectTimer.Stop()
	}
	e.reconnectSeq++
	seq := e.reconnectSeq
	e.reconnectTimer = e.params.Clock.AfterFunc(delay, func() {
		e.attemptReconnect(seq, reason)
	})
	e.reconnecting = true
	emitOffline := false
	if !e.offlineEmitted && e.isOffline() {
		e.offlineEmitted = true
		emitOffline = true
	}
	e.lock.Unlock()

	e.params.Logger.Infow("scheduling reconnect",
		"source", source,
		"reason", reason.String(),
		"attempt", retry.RetryCount,
		"delay", delay,
	)
	e.updateConnectionState()
	if emitOffline {
		e.emit(OfflineEvent{})
	}
}

// isOffline is true when neither signal nor media can reach the server. Caller holds lock.
func (e *RTCEngine) isOffline() bool {
	if e.signal.State() == types.SignalConnectionStateConnected {
		return false
	}
	return e.pcManager == nil || e.pcManager.State().IsSevered()
}

// attemptReconnect runs the attempt scheduled as seq. A Join or Close in between
// makes it a no-op.
func (e *RTCEngine) attemptReconnect(seq uint32, reason livekit.ReconnectReason) {
	if e.IsClosed() {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	e.lock.Lock()
	if seq != e.reconnectSeq || !e.attemptingReconnect.CompareAndSwap(false, true) {
		e.lock.Unlock()
		return
	}
	done := make(chan struct{})
	defer close(done)
	e.reconnectDone = done
	e.reconnectTimer = nil
	e.reconnectCancel = cancel
	attempt := e.reconnectAttempts
	full := e.fullReconnectOnNext
	pcm := e.pcManager
	join := e.joinResponse
	e.lock.Unlock()

	if join.GetClientConfiguration().GetResumeConnection() == livekit.ClientConfigSetting_DISABLED ||
		pcm == nil ||
		pcm.State() == types.PCTransportStateNew {
		full = true
	}

	mode := ReconnectModeResume
	if full {
		mode = ReconnectModeFull
	}
	e.params.Logger.Infow("reconnecting", "mode", mode.String(), "attempt", attempt, "reason", reason.String())

	var (
		ev  Event
		err error
	)
	if full {
		ev, err = e.restart(ctx, attempt)
	} else {
		ev, err = e.resume(ctx, attempt, reason)
	}
	prometheus.RecordOperation(mode.String(), err, reason.String())

	if ctx.Err() != nil || e.IsClosed() {
		// superseded by Close or Join, which own the reconnect state from here
		e.lock.Lock()
		if e.reconnectDone == done {
			e.reconnectDone = nil
		}
		e.lock.Unlock()
		e.attemptingReconnect.Store(false)
		e.params.Logger.Debugw("reconnect attempt superseded", "mode", mode.String(), "attempt", attempt, "error", err)
		return
	}

	if err != nil {
		e.params.Logger.Warnw("reconnect attempt failed", err, "mode", mode.String(), "attempt", attempt)

		var sigErr *types.SignalReconnectError
		e.lock.Lock()
		e.reconnectAttempts++
		e.lastReconnectErr = err
		if !errors.As(err, &sigErr) {
			e.fullReconnectOnNext = true
		}
		e.reconnectCancel = nil
		e.reconnectDone = nil
		e.lock.Unlock()
		e.attemptingReconnect.Store(false)

		switch {
		case isUnrecoverable(err):
			e.close(DisconnectedEvent{
				Reason: DisconnectReasonUnrecoverable,
				Err:    err,
			})
		default:
			e.handleDisconnect("reconnect failed", reason, false)
		}
		return
	}

	e.lock.Lock()
	e.reconnectAttempts = 0
	e.reconnectStart = time.Time{}
	e.reconnectCancel = nil
	e.reconnectDone = nil
	e.reconnecting = false
	e.fullReconnectOnNext = false
	e.offlineEmitted = false
	e.lastReconnectErr = nil
	provider := e.regionProvider
	e.lock.Unlock()
	e.attemptingReconnect.Store(false)

	if provider != nil {
		provider.ResetAttempts()
	}
	prometheus.ReconnectAttempts.Observe(float64(attempt + 1))
	e.updateConnectionState()
	e.emit(ev)
}

// isUnrecoverable lists failures that retrying cannot fix.
func isUnrecoverable(err error) bool {
	var stateErr *types.UnexpectedStateError
	if errors.As(err, &stateErr) {
		return true
	}
	return types.IsConnectionErrorReason(err, types.ConnectionErrorNotAllowed) ||
		types.IsConnectionErrorReason(err, types.ConnectionErrorLeaveRequest)
}

// resume keeps the transports and reattaches the signal connection to the same session.
func (e *RTCEngine) resume(ctx context.Context, attempt int, reason livekit.ReconnectReason) (Event, error) {
	e.emit(ReconnectingEvent{Mode: ReconnectModeResume, Attempt: attempt})

	pcm := e.getPCManager()
	if pcm == nil {
		return nil, &types.UnexpectedStateError{Msg: "no transports to resume"}
	}

	e.lock.RLock()
	url, token := e.url, e.token
	sid := e.joinResponse.GetParticipant().GetSid()
	e.lock.RUnlock()

	res, err := e.signal.Reconnect(ctx, url, token, sid, reason)
	if err != nil {
		if types.IsConnectionErrorReason(err, types.ConnectionErrorNotAllowed) ||
			types.IsConnectionErrorReason(err, types.ConnectionErrorLeaveRequest) {
			return nil, err
		}
		return nil, &types.SignalReconnectError{Err: err}
	}

	if res != nil {
		if err := pcm.UpdateConfiguration(e.rtcConfiguration(res.GetIceServers(), res.GetClientConfiguration())); err != nil {
			e.params.Logger.Warnw("could not update transport configuration", err)
		}
	}

	if err := e.signal.SendSyncState(e.syncState(pcm)); err != nil {
		return nil, &types.SignalReconnectError{Err: err}
	}

	// an unanswered restart offer comes back as a NegotiationError, which makes the
	// next attempt a full reconnect
	if err := pcm.RestartICE(ctx); err != nil {
		return nil, err
	}
	if err := pcm.EnsurePCTransportConnection(ctx, e.conf.RTC.PeerConnectionTimeout); err != nil {
		return nil, err
	}

	if e.signal.State() != types.SignalConnectionStateConnected {
		return nil, &types.SignalReconnectError{Err: errors.New("signal connection lost during resume")}
	}
	e.signal.SetReconnected()
	return ResumedEvent{}, nil
}

// restart discards the session and joins again, then republishes local tracks.
func (e *RTCEngine) restart(ctx context.Context, attempt int) (Event, error) {
	e.emit(ReconnectingEvent{Mode: ReconnectModeFull, Attempt: attempt})

	if e.signal.State() == types.SignalConnectionStateConnected {
		if err := e.signal.SendLeave(); err != nil {
			e.params.Logger.Debugw("could not send leave before restart", "error", err)
		}
	}
	e.cleanupPeerConnections()
	e.signal.Close()

	e.lock.Lock()
	url, token := e.url, e.token
	for kind := range e.dcBufferStatus {
		e.dcBufferStatus[kind] = true
	}
	e.lock.Unlock()
	e.reliableSeq.Store(0)

	join, err := e.joinWithFailover(ctx, url, token)
	if err != nil {
		return nil, err
	}
	e.signal.SetReconnected()

	pcm := e.getPCManager()
	if pcm == nil {
		return nil, &types.UnexpectedStateError{Msg: "transports missing after rejoin"}
	}
	if err := e.republish(ctx, pcm); err != nil {
		return nil, err
	}
	if err := e.signal.SendSyncState(e.syncState(pcm)); err != nil {
		e.params.Logger.Warnw("could not send sync state", err)
	}

	if e.signal.State() != types.SignalConnectionStateConnected {
		return nil, &types.SignalReconnectError{Err: errors.New("signal connection lost during restart")}
	}
	return RestartedEvent{Join: join}, nil
}
