package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"
	"github.com/urfave/negroni/v3"

	"github.com/livekit/protocol/livekit"
	"github.com/livekit/protocol/logger"

	"github.com/livekit/livekit-session/pkg/config"
	"github.com/livekit/livekit-session/pkg/rtc"
	"github.com/livekit/livekit-session/pkg/telemetry/prometheus"
)

var scenarios = map[string]rtc.SimulateScenario{
	rtc.SimulateSignalReconnect.String(): rtc.SimulateSignalReconnect,
	rtc.SimulateFullReconnect.String():   rtc.SimulateFullReconnect,
	rtc.SimulateSpeakerUpdate.String():   rtc.SimulateSpeakerUpdate,
	rtc.SimulateNodeFailure.String():     rtc.SimulateNodeFailure,
	rtc.SimulateMigration.String():       rtc.SimulateMigration,
	rtc.SimulateServerLeave.String():     rtc.SimulateServerLeave,
}

func joinSession(c *cli.Context) error {
	if c.String("url") == "" || c.String("token") == "" {
		return errors.New("--url and --token are required")
	}

	conf, err := getConfig(c)
	if err != nil {
		return err
	}

	var scenario *rtc.SimulateScenario
	if name := c.String("simulate"); name != "" {
		s, ok := scenarios[name]
		if !ok {
			return fmt.Errorf("unknown scenario: %s", name)
		}
		scenario = &s
	}

	if conf.Prometheus.Port > 0 {
		if err := startMetricsServer(conf.Prometheus.Port); err != nil {
			return err
		}
	}

	engine, err := rtc.NewRTCEngine(rtc.EngineParams{
		Config: conf,
		Logger: logger.GetLogger(),
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	go func() {
		select {
		case sig := <-sigChan:
			logger.Infow("exit requested, leaving room", "signal", sig)
			cancel()
			engine.Close()
		case <-engine.Done():
		}
	}()

	join, err := engine.Join(ctx, c.String("url"), c.String("token"))
	if err != nil {
		engine.Close()
		return errors.Wrap(err, "could not join")
	}
	logger.Infow("joined room",
		"room", join.GetRoom().GetName(),
		"participant", join.GetParticipant().GetIdentity(),
		"sid", join.GetParticipant().GetSid(),
		"serverVersion", join.GetServerInfo().GetVersion(),
	)
	if c.Bool("print-room") {
		printRoom(join)
	}

	if data := c.String("data"); data != "" {
		go func() {
			sctx, scancel := context.WithTimeout(ctx, 15*time.Second)
			defer scancel()
			err := engine.SendDataPacket(sctx, &livekit.DataPacket{
				Kind: livekit.DataPacket_RELIABLE,
				Value: &livekit.DataPacket_User{
					User: &livekit.UserPacket{Payload: []byte(data)},
				},
			})
			if err != nil {
				logger.Warnw("could not send data", err)
			}
		}()
	}

	if scenario != nil {
		if err := engine.Simulate(*scenario); err != nil {
			logger.Warnw("could not simulate scenario", err, "scenario", scenario.String())
		}
	}

	return logEvents(engine)
}

// logEvents blocks until the engine disconnects.
func logEvents(engine *rtc.RTCEngine) error {
	for ev := range engine.Events() {
		switch e := ev.(type) {
		case rtc.ConnectionStateChangedEvent:
			logger.Infow("connection state changed", "state", e.State.String())
		case rtc.ReconnectingEvent:
			logger.Infow("reconnecting", "mode", e.Mode.String(), "attempt", e.Attempt)
		case rtc.ResumedEvent:
			logger.Infow("session resumed")
		case rtc.RestartedEvent:
			logger.Infow("session restarted", "sid", e.Join.GetParticipant().GetSid())
		case rtc.OfflineEvent:
			logger.Infow("offline, waiting for network")
		case rtc.DataReceivedEvent:
			logger.Infow("data received",
				"kind", e.Packet.GetKind().String(),
				"from", e.Packet.GetUser().GetParticipantIdentity(),
				"size", humanize.Bytes(uint64(len(e.Packet.GetUser().GetPayload()))),
				"payload", string(e.Packet.GetUser().GetPayload()),
			)
		case rtc.ParticipantUpdateEvent:
			for _, p := range e.Participants {
				logger.Debugw("participant update", "identity", p.GetIdentity(), "state", p.GetState().String())
			}
		case rtc.RemoteTrackEvent:
			logger.Infow("remote track", "id", e.Track.ID(), "codec", e.Track.Codec().MimeType)
		case rtc.DisconnectedEvent:
			logger.Infow("disconnected",
				"reason", e.Reason.String(),
				"serverReason", e.ServerReason.String(),
				"retries", e.RetryCount,
			)
			if e.Reason != rtc.DisconnectReasonClientInitiated {
				if e.Err != nil {
					return e.Err
				}
				return fmt.Errorf("disconnected: %s", e.Reason)
			}
		}
	}
	return nil
}

func startMetricsServer(port uint32) error {
	prometheus.Init()

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return errors.Wrap(err, "could not listen for metrics")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	n := negroni.New()
	n.Use(negroni.NewRecovery())
	n.UseHandler(mux)
	go func() {
		if err := http.Serve(ln, n); err != nil {
			logger.Warnw("metrics server stopped", err)
		}
	}()
	logger.Infow("serving metrics", "port", port)
	return nil
}

func generateConfig(c *cli.Context) error {
	conf, err := getConfig(c)
	if err != nil {
		return err
	}
	out, err := conf.Marshal()
	if err != nil {
		return err
	}
	fmt.Print(out)
	return nil
}

func helpVerbose(c *cli.Context) error {
	generatedFlags, err := config.GenerateCLIFlags(baseFlags, false)
	if err != nil {
		return err
	}

	c.App.Flags = append(append(baseFlags, joinFlags...), generatedFlags...)
	return cli.ShowAppHelp(c)
}
