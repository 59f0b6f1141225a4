// Copyright 2023 LiveKit, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"fmt"
	"os"

	"github.com/mitchellh/go-homedir"
	"github.com/urfave/cli/v2"

	"github.com/livekit/protocol/logger"

	"github.com/livekit/livekit-session/pkg/config"
	"github.com/livekit/livekit-session/version"
)

var baseFlags = []cli.Flag{
	&cli.StringFlag{
		Name:  "config",
		Usage: "path to session config file",
	},
	&cli.StringFlag{
		Name:    "config-body",
		Usage:   "session config in YAML, typically passed in as an environment var in a container",
		EnvVars: []string{"LIVEKIT_SESSION_CONFIG"},
	},
	&cli.StringFlag{
		Name:    "log-level",
		Usage:   "debug, info, warn or error",
		EnvVars: []string{"LIVEKIT_SESSION_LOG_LEVEL"},
	},
	&cli.BoolFlag{
		Name:  "relay-only",
		Usage: "only use TURN relay candidates",
	},
	&cli.UintFlag{
		Name:    "metrics-port",
		Usage:   "serve prometheus metrics on this port",
		EnvVars: []string{"LIVEKIT_SESSION_METRICS_PORT"},
	},
	&cli.BoolFlag{
		Name:   "disable-strict-config",
		Usage:  "disables strict config parsing",
		Hidden: true,
	},
}

var joinFlags = []cli.Flag{
	&cli.StringFlag{
		Name:    "url",
		Usage:   "server url, e.g. wss://example.livekit.cloud",
		EnvVars: []string{"LIVEKIT_URL"},
	},
	&cli.StringFlag{
		Name:    "token",
		Usage:   "access token granting room join",
		EnvVars: []string{"LIVEKIT_TOKEN"},
	},
	&cli.StringFlag{
		Name:  "data",
		Usage: "message to publish on the reliable data channel once joined",
	},
	&cli.BoolFlag{
		Name:  "print-room",
		Usage: "print the room and its participants once joined",
	},
	&cli.StringFlag{
		Name:  "simulate",
		Usage: "scenario to simulate after joining: signal-reconnect, full-reconnect, speaker, node-failure, migration or server-leave",
	},
}

func main() {
	generatedFlags, err := config.GenerateCLIFlags(baseFlags, true)
	if err != nil {
		fmt.Println(err)
	}

	app := &cli.App{
		Name:        "livekit-session",
		Usage:       "Resilient LiveKit client session",
		Description: "run without subcommands to join a room and keep the session alive",
		Flags:       append(append(baseFlags, joinFlags...), generatedFlags...),
		Action:      joinSession,
		Commands: []*cli.Command{
			{
				Name:   "generate-config",
				Usage:  "prints the effective configuration as YAML",
				Action: generateConfig,
			},
			{
				Name:   "help-verbose",
				Usage:  "prints app help, including all generated configuration flags",
				Action: helpVerbose,
			},
		},
		Version: version.Version,
	}

	if err := app.Run(os.Args); err != nil {
		logger.Errorw("exited with error", err)
		os.Exit(1)
	}
}

func getConfig(c *cli.Context) (*config.Config, error) {
	confString, err := getConfigString(c.String("config"), c.String("config-body"))
	if err != nil {
		return nil, err
	}

	strictMode := true
	if c.Bool("disable-strict-config") {
		strictMode = false
	}

	conf, err := config.NewConfig(confString, strictMode, c, baseFlags)
	if err != nil {
		return nil, err
	}
	config.InitLoggerFromConfig(&conf.Logging)
	return conf, nil
}

func getConfigString(configFile string, inConfigBody string) (string, error) {
	if inConfigBody != "" || configFile == "" {
		return inConfigBody, nil
	}

	path, err := homedir.Expand(os.ExpandEnv(configFile))
	if err != nil {
		return "", err
	}
	outConfigBody, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}

	return string(outConfigBody), nil
}
