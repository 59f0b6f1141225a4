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

package config

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"

	"github.com/livekit/protocol/logger"
)

const (
	generatedCLIFlagUsage = "generated"
	envVarPrefix          = "LIVEKIT_SESSION"
)

var (
	ErrInvalidRetryDelays = errors.New("reconnect delays must not be negative")
	ErrInvalidTimeout     = errors.New("timeouts must be positive")
)

var durationType = reflect.TypeOf(time.Duration(0))

type Config struct {
	Logging     LoggingConfig     `yaml:"logging,omitempty"`
	Signal      SignalConfig      `yaml:"signal,omitempty"`
	Reconnect   ReconnectConfig   `yaml:"reconnect,omitempty"`
	RTC         RTCConfig         `yaml:"rtc,omitempty"`
	DataChannel DataChannelConfig `yaml:"data_channel,omitempty"`
	Region      RegionConfig      `yaml:"region,omitempty"`
	Prometheus  PrometheusConfig  `yaml:"prometheus,omitempty"`
}

type LoggingConfig struct {
	logger.Config `yaml:",inline"`
	PionLevel     string `yaml:"pion_level,omitempty"`
}

type SignalConfig struct {
	HandshakeTimeout time.Duration `yaml:"handshake_timeout,omitempty"`
	// binary protobuf unless set
	UseJSON        bool `yaml:"use_json,omitempty"`
	AutoSubscribe  bool `yaml:"auto_subscribe,omitempty"`
	AdaptiveStream bool `yaml:"adaptive_stream,omitempty"`
}

type ReconnectConfig struct {
	Delays    []time.Duration `yaml:"delays,omitempty"`
	MaxJitter time.Duration   `yaml:"max_jitter,omitempty"`
}

type RTCConfig struct {
	// replaces the servers handed out by the join response when set
	ICEServers            []ICEServerConfig `yaml:"ice_servers,omitempty"`
	RelayOnly             bool              `yaml:"relay_only,omitempty"`
	PeerConnectionTimeout time.Duration     `yaml:"peer_connection_timeout,omitempty"`
	NegotiationTimeout    time.Duration     `yaml:"negotiation_timeout,omitempty"`
	PublishTimeout        time.Duration     `yaml:"publish_timeout,omitempty"`
	// gather .local host candidates, off by default
	UseMDNS               bool              `yaml:"use_mdns,omitempty"`
}

type ICEServerConfig struct {
	URLs       []string `yaml:"urls,omitempty"`
	Username   string   `yaml:"username,omitempty"`
	Credential string   `yaml:"credential,omitempty"`
}

type DataChannelConfig struct {
	BufferLowThreshold uint64 `yaml:"buffer_low_threshold,omitempty"`
}

type RegionConfig struct {
	// use region failover for self hosted deployments too
	ForceEnable bool          `yaml:"force_enable,omitempty"`
	CacheTTL    time.Duration `yaml:"cache_ttl,omitempty"`
}

type PrometheusConfig struct {
	Port uint32 `yaml:"port,omitempty"`
}

var DefaultConfig = Config{
	Logging: LoggingConfig{
		PionLevel: "error",
	},
	Signal: SignalConfig{
		HandshakeTimeout: 15 * time.Second,
		AutoSubscribe:    true,
	},
	Reconnect: ReconnectConfig{
		Delays: []time.Duration{
			0,
			300 * time.Millisecond,
			1200 * time.Millisecond,
			2700 * time.Millisecond,
			4800 * time.Millisecond,
			7 * time.Second,
			7 * time.Second,
			7 * time.Second,
			7 * time.Second,
			7 * time.Second,
		},
		MaxJitter: time.Second,
	},
	RTC: RTCConfig{
		PeerConnectionTimeout: 15 * time.Second,
		NegotiationTimeout:    15 * time.Second,
		PublishTimeout:        10 * time.Second,
	},
	DataChannel: DataChannelConfig{
		BufferLowThreshold: 65535,
	},
	Region: RegionConfig{
		CacheTTL: 3 * time.Second,
	},
}

func NewConfig(confString string, strictMode bool, c *cli.Context, baseFlags []cli.Flag) (*Config, error) {
	// start with defaults
	marshalled, err := yaml.Marshal(&DefaultConfig)
	if err != nil {
		return nil, err
	}

	var conf Config
	if err = yaml.Unmarshal(marshalled, &conf); err != nil {
		return nil, err
	}

	if confString != "" {
		decoder := yaml.NewDecoder(strings.NewReader(confString))
		decoder.KnownFields(strictMode)
		if err := decoder.Decode(&conf); err != nil {
			return nil, fmt.Errorf("could not parse config: %v", err)
		}
	}

	if c != nil {
		if err := conf.updateFromCLI(c, baseFlags); err != nil {
			return nil, err
		}
	}

	if err := conf.Validate(); err != nil {
		return nil, err
	}

	if conf.Logging.PionLevel != "" {
		if conf.Logging.ComponentLevels == nil {
			conf.Logging.ComponentLevels = map[string]string{}
		}
		conf.Logging.ComponentLevels["pion"] = conf.Logging.PionLevel
	}

	return &conf, nil
}

func (conf *Config) Validate() error {
	for _, d := range conf.Reconnect.Delays {
		if d < 0 {
			return ErrInvalidRetryDelays
		}
	}
	if conf.Signal.HandshakeTimeout <= 0 ||
		conf.RTC.PeerConnectionTimeout <= 0 ||
		conf.RTC.NegotiationTimeout <= 0 ||
		conf.RTC.PublishTimeout <= 0 {
		return ErrInvalidTimeout
	}
	return nil
}

// WebRTCConfiguration merges configured ICE servers into the ones the server handed out.
func (conf *RTCConfig) WebRTCConfiguration(fromServer []webrtc.ICEServer) webrtc.Configuration {
	c := webrtc.Configuration{
		SDPSemantics: webrtc.SDPSemanticsUnifiedPlan,
		ICEServers:   fromServer,
	}
	if len(conf.ICEServers) > 0 {
		c.ICEServers = make([]webrtc.ICEServer, 0, len(conf.ICEServers))
		for _, s := range conf.ICEServers {
			c.ICEServers = append(c.ICEServers, webrtc.ICEServer{
				URLs:       s.URLs,
				Username:   s.Username,
				Credential: s.Credential,
			})
		}
	}
	if conf.RelayOnly {
		c.ICETransportPolicy = webrtc.ICETransportPolicyRelay
	}
	return c
}

// Marshal renders the config as YAML, used by generate-config.
func (conf *Config) Marshal() (string, error) {
	b, err := yaml.Marshal(conf)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

type configNode struct {
	TypeNode  reflect.Value
	TagPrefix string
}

func (conf *Config) ToCLIFlagNames(existingFlags []cli.Flag) map[string]reflect.Value {
	existingFlagNames := map[string]bool{}
	for _, flag := range existingFlags {
		for _, flagName := range flag.Names() {
			existingFlagNames[flagName] = true
		}
	}

	flagNames := map[string]reflect.Value{}
	var currNode configNode
	nodes := []configNode{{reflect.ValueOf(conf).Elem(), ""}}
	for len(nodes) > 0 {
		currNode, nodes = nodes[0], nodes[1:]
		for i := 0; i < currNode.TypeNode.NumField(); i++ {
			// inspect yaml tag from struct field to get path
			field := currNode.TypeNode.Type().Field(i)
			yamlTagArray := strings.SplitN(field.Tag.Get("yaml"), ",", 2)
			yamlTag := yamlTagArray[0]
			isInline := len(yamlTagArray) > 1 && yamlTagArray[1] == "inline"
			if (yamlTag == "" && (!isInline || currNode.TagPrefix == "")) || yamlTag == "-" {
				continue
			}
			yamlPath := yamlTag
			if currNode.TagPrefix != "" {
				if isInline {
					yamlPath = currNode.TagPrefix
				} else {
					yamlPath = fmt.Sprintf("%s.%s", currNode.TagPrefix, yamlTag)
				}
			}
			if existingFlagNames[yamlPath] {
				continue
			}

			value := currNode.TypeNode.Field(i)
			if value.Kind() == reflect.Struct {
				nodes = append(nodes, configNode{value, yamlPath})
			} else {
				flagNames[yamlPath] = value
			}
		}
	}

	return flagNames
}

// GenerateCLIFlags exposes every scalar config value as a flag named by its yaml path.
func GenerateCLIFlags(existingFlags []cli.Flag, hidden bool) ([]cli.Flag, error) {
	blankConfig := &Config{}
	flags := make([]cli.Flag, 0)
	for name, value := range blankConfig.ToCLIFlagNames(existingFlags) {
		envVar := fmt.Sprintf("%s_%s", envVarPrefix, strings.ToUpper(strings.ReplaceAll(name, ".", "_")))

		if value.Type() == durationType {
			flags = append(flags, &cli.DurationFlag{
				Name:    name,
				EnvVars: []string{envVar},
				Usage:   generatedCLIFlagUsage,
				Hidden:  hidden,
			})
			continue
		}

		var flag cli.Flag
		switch value.Kind() {
		case reflect.Bool:
			flag = &cli.BoolFlag{
				Name:   name,
				Usage:  generatedCLIFlagUsage,
				Hidden: hidden,
			}
		case reflect.String:
			flag = &cli.StringFlag{
				Name:    name,
				EnvVars: []string{envVar},
				Usage:   generatedCLIFlagUsage,
				Hidden:  hidden,
			}
		case reflect.Int, reflect.Int32, reflect.Int64:
			flag = &cli.Int64Flag{
				Name:    name,
				EnvVars: []string{envVar},
				Usage:   generatedCLIFlagUsage,
				Hidden:  hidden,
			}
		case reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			flag = &cli.Uint64Flag{
				Name:    name,
				EnvVars: []string{envVar},
				Usage:   generatedCLIFlagUsage,
				Hidden:  hidden,
			}
		case reflect.Slice, reflect.Map:
			// only settable through the config file
			continue
		default:
			return flags, fmt.Errorf("cli flag generation unsupported for config type: %s is a %s", name, value.Kind().String())
		}

		flags = append(flags, flag)
	}

	return flags, nil
}

func (conf *Config) updateFromCLI(c *cli.Context, baseFlags []cli.Flag) error {
	generatedFlagNames := conf.ToCLIFlagNames(baseFlags)
	for _, flag := range c.App.Flags {
		flagName := flag.Names()[0]

		// the `c.App.Name != "test"` check is needed because `c.IsSet(...)` is always false in unit tests
		if !c.IsSet(flagName) && c.App.Name != "test" {
			continue
		}

		configValue, ok := generatedFlagNames[flagName]
		if !ok {
			continue
		}

		if configValue.Type() == durationType {
			configValue.SetInt(int64(c.Duration(flagName)))
			continue
		}

		switch configValue.Kind() {
		case reflect.Bool:
			configValue.SetBool(c.Bool(flagName))
		case reflect.String:
			configValue.SetString(c.String(flagName))
		case reflect.Int, reflect.Int32, reflect.Int64:
			configValue.SetInt(c.Int64(flagName))
		case reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			configValue.SetUint(c.Uint64(flagName))
		default:
			return fmt.Errorf("unsupported generated cli flag type for config: %s is a %s", flagName, configValue.Kind().String())
		}
	}

	if c.IsSet("log-level") {
		conf.Logging.Level = c.String("log-level")
	}
	if c.IsSet("relay-only") {
		conf.RTC.RelayOnly = c.Bool("relay-only")
	}
	if c.IsSet("metrics-port") {
		conf.Prometheus.Port = uint32(c.Uint("metrics-port"))
	}
	return nil
}

// Note: only pass in logr.Logger with default depth
func SetLogger(l logger.Logger) {
	logger.SetLogger(l, "livekit-session")
}

func InitLoggerFromConfig(config *LoggingConfig) {
	logger.InitFromConfig(&config.Config, "livekit-session")
}
