package rtc

import (
	"context"

	"github.com/pion/webrtc/v3"
	"github.com/pkg/errors"
	"google.golang.org/protobuf/proto"

	"github.com/livekit/protocol/livekit"

	"github.com/livekit/livekit-session/pkg/rtc/transport"
	"github.com/livekit/livekit-session/pkg/rtc/types"
	"github.com/livekit/livekit-session/pkg/telemetry/prometheus"
)

const (
	ReliableDataChannel = "_reliable"
	LossyDataChannel    = "_lossy"
)

func (e *RTCEngine) createDataChannels(pub *transport.PCTransport) error {
	ordered := true
	reliable, err := pub.CreateDataChannel(ReliableDataChannel, &webrtc.DataChannelInit{
		Ordered: &ordered,
	})
	if err != nil {
		return errors.Wrap(err, "could not create reliable data channel")
	}

	unordered := false
	maxRetransmits := uint16(0)
	lossy, err := pub.CreateDataChannel(LossyDataChannel, &webrtc.DataChannelInit{
		Ordered:        &unordered,
		MaxRetransmits: &maxRetransmits,
	})
	if err != nil {
		_ = reliable.Close()
		return errors.Wrap(err, "could not create lossy data channel")
	}

	e.setupPublisherDataChannel(reliable, livekit.DataPacket_RELIABLE)
	e.setupPublisherDataChannel(lossy, livekit.DataPacket_LOSSY)

	e.lock.Lock()
	e.reliableDC = reliable
	e.lossyDC = lossy
	e.lock.Unlock()
	return nil
}

func (e *RTCEngine) setupPublisherDataChannel(dc *webrtc.DataChannel, kind livekit.DataPacket_Kind) {
	dc.SetBufferedAmountLowThreshold(e.conf.DataChannel.BufferLowThreshold)
	dc.OnBufferedAmountLow(func() {
		e.updateAndEmitDCBufferStatus(kind)
	})
	dc.OnOpen(e.changed.NotifyChanged)
	dc.OnClose(e.changed.NotifyChanged)
	dc.OnMessage(e.handleDataMessage)
}

// handleSubscriberDataChannel takes over a server created channel.
func (e *RTCEngine) handleSubscriberDataChannel(dc *webrtc.DataChannel) {
	e.lock.Lock()
	switch dc.Label() {
	case ReliableDataChannel:
		e.subReliableDC = dc
	case LossyDataChannel:
		e.subLossyDC = dc
	default:
		e.lock.Unlock()
		e.params.Logger.Debugw("ignoring unknown data channel", "label", dc.Label())
		return
	}
	e.lock.Unlock()

	dc.OnMessage(e.handleDataMessage)
}

func (e *RTCEngine) handleDataMessage(msg webrtc.DataChannelMessage) {
	if msg.IsString {
		return
	}
	data := msg.Data
	e.dataQueue.Enqueue(func() {
		dp := &livekit.DataPacket{}
		if err := proto.Unmarshal(data, dp); err != nil {
			e.params.Logger.Warnw("could not decode data packet", err)
			return
		}
		prometheus.RecordDataPacket(dp.GetKind(), false)
		e.emit(DataReceivedEvent{Packet: dp})
	})
}

func (e *RTCEngine) publisherDataChannel(kind livekit.DataPacket_Kind) *webrtc.DataChannel {
	e.lock.RLock()
	defer e.lock.RUnlock()
	if kind == livekit.DataPacket_RELIABLE {
		return e.reliableDC
	}
	return e.lossyDC
}

// SendDataPacket publishes a packet on the publisher channel for its kind, bringing the
// publisher up first when the subscriber is primary.
func (e *RTCEngine) SendDataPacket(ctx context.Context, packet *livekit.DataPacket) error {
	if e.IsClosed() {
		return types.ErrEngineClosed
	}
	kind := packet.GetKind()

	if err := e.ensurePublisherConnected(ctx, kind); err != nil {
		return err
	}

	payload, err := proto.Marshal(packet)
	if err != nil {
		return err
	}

	dc := e.publisherDataChannel(kind)
	if dc == nil {
		return types.ErrNoDataChannel
	}
	if err := dc.Send(payload); err != nil {
		return err
	}

	if kind == livekit.DataPacket_RELIABLE {
		seq := e.reliableSeq.Inc()
		e.params.Logger.Debugw("sent reliable data packet", "seq", seq, "size", len(payload))
	}
	prometheus.RecordDataPacket(kind, true)
	e.updateAndEmitDCBufferStatus(kind)
	return nil
}

// ReliableSequence is the number of reliable packets sent in this session.
func (e *RTCEngine) ReliableSequence() uint32 {
	return e.reliableSeq.Load()
}

// ensurePublisherConnected waits for the publisher transport and the data channel of
// kind to be usable.
func (e *RTCEngine) ensurePublisherConnected(ctx context.Context, kind livekit.DataPacket_Kind) error {
	pcm := e.configuredPCManager()
	if pcm == nil {
		return types.ErrNoPublisher
	}

	ready := func() bool {
		if !pcm.Publisher().IsConnected() {
			return false
		}
		dc := e.publisherDataChannel(kind)
		return dc != nil && dc.ReadyState() == webrtc.DataChannelStateOpen
	}
	if ready() {
		return nil
	}

	if pcm.SubscriberPrimary() {
		pcm.RequirePublisher(true)
	}
	pub := pcm.Publisher()
	if pub.ConnectionState() == webrtc.PeerConnectionStateNew && pub.NegotiationState() == transport.NegotiationStateNone {
		pub.Negotiate()
	}

	wctx, cancel := e.params.Clock.WithTimeout(ctx, e.conf.RTC.PeerConnectionTimeout)
	defer cancel()
	if err := e.waitUntil(wctx, pcm, ready); err != nil {
		if errors.Is(err, types.ErrEngineClosed) {
			return err
		}
		if ctx.Err() != nil {
			return types.NewConnectionError(types.ConnectionErrorCancelled, "sending data cancelled", ctx.Err())
		}
		return types.NewConnectionError(types.ConnectionErrorTimeout, "could not connect publisher for data", err)
	}
	return nil
}

// updateAndEmitDCBufferStatus emits only when the low/high status of kind flips.
func (e *RTCEngine) updateAndEmitDCBufferStatus(kind livekit.DataPacket_Kind) {
	dc := e.publisherDataChannel(kind)
	if dc == nil {
		return
	}

	e.dcBufferLock.Lock()
	defer e.dcBufferLock.Unlock()

	low := dc.BufferedAmount() <= dc.BufferedAmountLowThreshold()

	e.lock.Lock()
	prev, ok := e.dcBufferStatus[kind]
	if ok && prev == low {
		e.lock.Unlock()
		return
	}
	e.dcBufferStatus[kind] = low
	e.lock.Unlock()

	e.emit(DataChannelBufferStatusEvent{Kind: kind, Low: low})
}

// IsBufferStatusLow reports whether the publisher channel of kind is below its threshold.
func (e *RTCEngine) IsBufferStatusLow(kind livekit.DataPacket_Kind) bool {
	e.lock.RLock()
	defer e.lock.RUnlock()
	return e.dcBufferStatus[kind]
}

// dataChannelInfos describes the publisher channels for a sync state.
func (e *RTCEngine) dataChannelInfos() []*livekit.DataChannelInfo {
	e.lock.RLock()
	defer e.lock.RUnlock()

	var infos []*livekit.DataChannelInfo
	for _, dc := range []*webrtc.DataChannel{e.reliableDC, e.lossyDC} {
		if dc == nil || dc.ID() == nil {
			continue
		}
		infos = append(infos, &livekit.DataChannelInfo{
			Label:  dc.Label(),
			Id:     uint32(*dc.ID()),
			Target: livekit.SignalTarget_PUBLISHER,
		})
	}
	return infos
}
