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
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"
)

const generatedCLIFlagUsage = "generated"

var ErrKeyFileIncorrectPermission = errors.New("key file others permissions must be set to 0")

// Config is the top-level configuration for an sfu-core node. It is
// loaded from YAML and then overlaid with any CLI flags the caller set,
// a two-stage merge so a flag always wins over the file it augments.
type Config struct {
	Port           uint32   `yaml:"port,omitempty"`
	BindAddresses  []string `yaml:"bind_addresses,omitempty"`
	PrometheusPort uint32   `yaml:"prometheus_port,omitempty"`

	NodeID string `yaml:"node_id,omitempty"`

	QUIC     QUICConfig     `yaml:"quic,omitempty"`
	Session  SessionConfig  `yaml:"session,omitempty"`
	Selector SelectorConfig `yaml:"selector,omitempty"`
	Router   RouterConfig   `yaml:"router,omitempty"`
	Codecs   []CodecConfig  `yaml:"codecs,omitempty"`

	KeyFile string            `yaml:"key_file,omitempty"`
	Keys    map[string]string `yaml:"keys,omitempty"`

	Logging LoggingConfig `yaml:"logging,omitempty"`

	Development bool `yaml:"development,omitempty"`
}

// QUICConfig configures the transport listener. Certificates are
// required outside Development mode; self-signed certs are only ever
// acceptable for local testing.
type QUICConfig struct {
	BindAddress     string        `yaml:"bind_address,omitempty"`
	CertFile        string        `yaml:"cert_file,omitempty"`
	KeyFile         string        `yaml:"key_file,omitempty"`
	MaxIdleTimeout  time.Duration `yaml:"max_idle_timeout,omitempty"`
	KeepAlivePeriod time.Duration `yaml:"keep_alive_period,omitempty"`
}

// LoadTLSConfig builds the certificate half of the listener's TLS
// config, the same tls.LoadX509KeyPair step a TURN listener uses for its
// own TLS/DTLS sockets. development with no cert configured falls back
// to an ephemeral self-signed certificate so a local run needs no
// provisioning step; every other mode requires both files.
func (q QUICConfig) LoadTLSConfig(development bool) (*tls.Config, error) {
	if q.CertFile == "" || q.KeyFile == "" {
		if !development {
			return nil, errors.New("quic cert_file and key_file are required outside development mode")
		}
		cert, err := generateSelfSignedCert()
		if err != nil {
			return nil, errors.Wrap(err, "generate development quic certificate")
		}
		return &tls.Config{Certificates: []tls.Certificate{cert}}, nil
	}
	cert, err := tls.LoadX509KeyPair(q.CertFile, q.KeyFile)
	if err != nil {
		return nil, errors.Wrap(err, "load quic tls cert")
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}}, nil
}

// generateSelfSignedCert mints a short-lived ECDSA certificate entirely
// in memory for development mode, where requiring a provisioned cert
// would get in the way of a quick local run.
func generateSelfSignedCert() (tls.Certificate, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, err
	}
	serial, err := rand.Int(rand.Reader, big.NewInt(1<<62))
	if err != nil {
		return tls.Certificate{}, err
	}
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{Organization: []string{"sfu-core development"}},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		DNSNames:     []string{"localhost"},
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return tls.Certificate{}, err
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}, nil
}

// SessionConfig carries the Session Manager's admission quotas and the
// Media Router's egress shaping knobs.
type SessionConfig struct {
	MaxParticipants     uint32        `yaml:"max_participants,omitempty"`
	MaxSubscriptionsPer uint32        `yaml:"max_subscriptions_per,omitempty"`
	MaxBitrate          int64         `yaml:"max_bitrate,omitempty"`
	EnableSimulcast     bool          `yaml:"enable_simulcast,omitempty"`
	EgressQueueDepth    int           `yaml:"egress_queue_depth,omitempty"`
	SendDeadline        time.Duration `yaml:"send_deadline,omitempty"`
	PacketPoolCapacity  int           `yaml:"packet_pool_capacity,omitempty"`
}

// SelectorConfig exposes the Layer Selector's hysteresis parameters so
// they can be tuned per deployment without recompiling.
type SelectorConfig struct {
	SafetyMargin float64       `yaml:"safety_margin,omitempty"`
	LossMax      float64       `yaml:"loss_max,omitempty"`
	UpMultiplier float64       `yaml:"up_multiplier,omitempty"`
	UpHold       time.Duration `yaml:"upshift_hold,omitempty"`
	DownHold     time.Duration `yaml:"downshift_hold,omitempty"`
	EvalInterval time.Duration `yaml:"eval_interval,omitempty"`
	EWMAHalfLife time.Duration `yaml:"ewma_half_life,omitempty"`
}

// RouterConfig configures the Media Router's PLI coordination. Only
// PLITimeout is read (by the router and the feedback processor).
// CoalesceWindow and KeyframeCacheSize are not read: the feedback debounce
// window is feedback.CoalesceWindow and the keyframe cache holds
// router.DefaultKeyframeCacheSize entries.
type RouterConfig struct {
	PLITimeout        time.Duration `yaml:"pli_timeout,omitempty"`
	CoalesceWindow    time.Duration `yaml:"coalesce_window,omitempty"`
	KeyframeCacheSize int           `yaml:"keyframe_cache_size,omitempty"`
}

// CodecConfig declares one codec the codec capability registry should
// recognize, keyed by RTP payload type.
type CodecConfig struct {
	Name        string `yaml:"name,omitempty"` // "opus", "VP9", "H264"
	PayloadType uint8  `yaml:"payload_type,omitempty"`
	ClockRate   uint32 `yaml:"clock_rate,omitempty"`
}

// LoggingConfig mirrors pkg/sfu/logger.Options so the same struct both
// unmarshals from YAML and configures the logger.
type LoggingConfig struct {
	Level string `yaml:"level,omitempty"`
	JSON  bool   `yaml:"json,omitempty"`
}

var DefaultConfig = Config{
	Port:           7880,
	PrometheusPort: 6789,
	QUIC: QUICConfig{
		BindAddress:     ":7885",
		MaxIdleTimeout:  30 * time.Second,
		KeepAlivePeriod: 10 * time.Second,
	},
	Session: SessionConfig{
		MaxParticipants:     1000,
		MaxSubscriptionsPer: 100,
		MaxBitrate:          8_000_000,
		EnableSimulcast:     true,
		EgressQueueDepth:    256,
		SendDeadline:        100 * time.Millisecond,
		PacketPoolCapacity:  4096,
	},
	Selector: SelectorConfig{
		SafetyMargin: 1.15,
		LossMax:      0.05,
		UpMultiplier: 1.25,
		UpHold:       5 * time.Second,
		DownHold:     1 * time.Second,
		EvalInterval: 1 * time.Second,
		EWMAHalfLife: 2 * time.Second,
	},
	Router: RouterConfig{
		PLITimeout:        1 * time.Second,
		CoalesceWindow:    100 * time.Millisecond,
		KeyframeCacheSize: 4096,
	},
	Codecs: []CodecConfig{
		{Name: "opus", PayloadType: 111, ClockRate: 48000},
		{Name: "VP9", PayloadType: 98, ClockRate: 90000},
		{Name: "H264", PayloadType: 102, ClockRate: 90000},
	},
	Logging: LoggingConfig{
		Level: "info",
	},
	Keys: map[string]string{},
}

// NewConfig merges DefaultConfig, an optional YAML document, and any CLI
// flags the caller has set, in that order.
func NewConfig(confString string, strictMode bool, c *cli.Context, baseFlags []cli.Flag) (*Config, error) {
	marshalled, err := yaml.Marshal(&DefaultConfig)
	if err != nil {
		return nil, err
	}

	var conf Config
	if err := yaml.Unmarshal(marshalled, &conf); err != nil {
		return nil, err
	}
	// The log level stays blank until the file and flags are applied, so
	// development mode can tell whether either of them chose one.
	conf.Logging.Level = ""

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

	if conf.Logging.Level == "" {
		if conf.Development {
			conf.Logging.Level = "debug"
		} else {
			conf.Logging.Level = DefaultConfig.Logging.Level
		}
	}

	return &conf, nil
}

type configNode struct {
	TypeNode  reflect.Value
	TagPrefix string
}

// ToCLIFlagNames walks conf's yaml tags to build a dotted flag-name ->
// settable-field map, skipping names already claimed by existingFlags.
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
			switch value.Kind() {
			case reflect.Struct:
				nodes = append(nodes, configNode{value, yamlPath})
			case reflect.Slice, reflect.Map:
				// Slice- and map-typed knobs (codecs, bind addresses,
				// keys) get no generated flag; CLI flag generation for
				// them isn't worth the reflection complexity.
				continue
			default:
				flagNames[yamlPath] = value
			}
		}
	}

	return flagNames
}

func (conf *Config) ValidateKeys() error {
	if conf.KeyFile != "" {
		var otherFilter os.FileMode = 0o007
		st, err := os.Stat(conf.KeyFile)
		if err != nil {
			return err
		}
		if st.Mode().Perm()&otherFilter != 0o000 {
			return ErrKeyFileIncorrectPermission
		}
		f, err := os.Open(conf.KeyFile)
		if err != nil {
			return err
		}
		defer f.Close()
		decoder := yaml.NewDecoder(f)
		conf.Keys = map[string]string{}
		if err := decoder.Decode(conf.Keys); err != nil {
			return err
		}
	}
	return nil
}

// GenerateCLIFlags produces one urfave/cli flag per scalar config field
// not already covered by existingFlags.
func GenerateCLIFlags(existingFlags []cli.Flag, hidden bool) ([]cli.Flag, error) {
	blankConfig := &Config{}
	flags := make([]cli.Flag, 0)
	for name, value := range blankConfig.ToCLIFlagNames(existingFlags) {
		kind := value.Kind()

		var flag cli.Flag
		envVar := fmt.Sprintf("SFU_%s", strings.ToUpper(strings.Replace(name, ".", "_", -1)))

		switch kind {
		case reflect.Bool:
			flag = &cli.BoolFlag{Name: name, Usage: generatedCLIFlagUsage, Hidden: hidden}
		case reflect.String:
			flag = &cli.StringFlag{Name: name, EnvVars: []string{envVar}, Usage: generatedCLIFlagUsage, Hidden: hidden}
		case reflect.Int, reflect.Int32, reflect.Int64:
			flag = &cli.Int64Flag{Name: name, EnvVars: []string{envVar}, Usage: generatedCLIFlagUsage, Hidden: hidden}
		case reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			flag = &cli.Uint64Flag{Name: name, EnvVars: []string{envVar}, Usage: generatedCLIFlagUsage, Hidden: hidden}
		case reflect.Float32, reflect.Float64:
			flag = &cli.Float64Flag{Name: name, EnvVars: []string{envVar}, Usage: generatedCLIFlagUsage, Hidden: hidden}
		default:
			return flags, fmt.Errorf("cli flag generation unsupported for config type: %s is a %s", name, kind.String())
		}

		flags = append(flags, flag)
	}

	return flags, nil
}

func (conf *Config) updateFromCLI(c *cli.Context, baseFlags []cli.Flag) error {
	generatedFlagNames := conf.ToCLIFlagNames(baseFlags)
	for _, flag := range c.App.Flags {
		flagName := flag.Names()[0]
		if !c.IsSet(flagName) && c.App.Name != "test" {
			continue
		}

		configValue, ok := generatedFlagNames[flagName]
		if !ok {
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
		case reflect.Float32, reflect.Float64:
			configValue.SetFloat(c.Float64(flagName))
		default:
			return fmt.Errorf("unsupported generated cli flag type for config: %s is a %s", flagName, configValue.Kind().String())
		}
	}

	if c.IsSet("dev") {
		conf.Development = c.Bool("dev")
	}
	if c.IsSet("key-file") {
		conf.KeyFile = c.String("key-file")
	}
	if c.IsSet("keys") {
		if err := conf.unmarshalKeys(c.String("keys")); err != nil {
			return errors.New(`could not parse keys, it needs to be exactly "key: secret", including the space`)
		}
	}
	if c.IsSet("node-id") {
		conf.NodeID = c.String("node-id")
	}
	if c.IsSet("bind") {
		conf.BindAddresses = c.StringSlice("bind")
	}
	return nil
}

func (conf *Config) unmarshalKeys(keys string) error {
	temp := make(map[string]interface{})
	if err := yaml.Unmarshal([]byte(keys), temp); err != nil {
		return err
	}

	conf.Keys = make(map[string]string, len(temp))
	for key, val := range temp {
		if secret, ok := val.(string); ok {
			conf.Keys[key] = secret
		}
	}
	return nil
}
