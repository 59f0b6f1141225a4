package signalling

import (
	"github.com/benbjohnson/clock"

	"github.com/livekit/protocol/livekit"
)

func (c *SignalClient) startKeepalive(sc *signalConn) {
	c.stopKeepalive()

	c.lock.Lock()
	interval, timeout := c.pingInterval, c.pingTimeout
	if interval <= 0 {
		c.lock.Unlock()
		c.params.Logger.Debugw("server did not request pings, keepalive disabled")
		return
	}
	if timeout <= 0 {
		c.params.Logger.Warnw("ping timeout is not set, server liveness will not be checked", nil, "pingInterval", interval)
	} else {
		c.pingTimer = c.params.Clock.AfterFunc(timeout, func() {
			c.params.Logger.Warnw("ping timeout, no pong received", nil, "timeout", timeout)
			c.handleOnClose(sc, "ping timeout")
		})
	}
	stop := make(chan struct{})
	c.pingStop = stop
	ticker := c.params.Clock.Ticker(interval)
	c.lock.Unlock()

	go c.pingWorker(sc, ticker, stop)
}

func (c *SignalClient) stopKeepalive() {
	c.lock.Lock()
	defer c.lock.Unlock()

	if c.pingStop != nil {
		close(c.pingStop)
		c.pingStop = nil
	}
	if c.pingTimer != nil {
		c.pingTimer.Stop()
		c.pingTimer = nil
	}
}

func (c *SignalClient) resetPingTimeout(sc *signalConn) {
	c.lock.Lock()
	defer c.lock.Unlock()

	if c.conn != sc || c.pingTimer == nil {
		return
	}
	c.pingTimer.Stop()
	timeout := c.pingTimeout
	c.pingTimer = c.params.Clock.AfterFunc(timeout, func() {
		c.params.Logger.Warnw("ping timeout, no pong received", nil, "timeout", timeout)
		c.handleOnClose(sc, "ping timeout")
	})
}

func (c *SignalClient) pingWorker(sc *signalConn, ticker *clock.Ticker, stop <-chan struct{}) {
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-sc.closed.Watch():
			return
		case <-ticker.C:
			c.sendPing()
		}
	}
}

func (c *SignalClient) sendPing() {
	now := c.params.Clock.Now().UnixMilli()
	if err := c.write(&livekit.SignalRequest{
		Message: &livekit.SignalRequest_Ping{Ping: now},
	}); err != nil {
		c.params.Logger.Debugw("could not send ping", "error", err)
		return
	}

	c.lock.RLock()
	supportsRQ := c.supportsRQ
	c.lock.RUnlock()
	if !supportsRQ {
		return
	}
	if err := c.write(&livekit.SignalRequest{
		Message: &livekit.SignalRequest_PingReq{PingReq: &livekit.Ping{
			Timestamp: now,
			Rtt:       c.RTT().Milliseconds(),
		}},
	}); err != nil {
		c.params.Logger.Debugw("could not send ping request", "error", err)
	}
}
