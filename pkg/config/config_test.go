package config

import (
	"flag"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"

	"github.com/livekit/sfu-core/pkg/config/configtest"
)

func TestConfig_UnmarshalKeys(t *testing.T) {
	conf, err := NewConfig("", true, nil, nil)
	require.NoError(t, err)

	require.NoError(t, conf.unmarshalKeys("key1: secret1"))
	require.Equal(t, "secret1", conf.Keys["key1"])
}

func TestConfig_DefaultsKept(t *testing.T) {
	const content = `session:
  max_participants: 42`
	conf, err := NewConfig(content, true, nil, nil)
	require.NoError(t, err)
	require.True(t, conf.Session.EnableSimulcast)
	require.Equal(t, uint32(42), conf.Session.MaxParticipants)
	require.Equal(t, 1.15, conf.Selector.SafetyMargin)
}

func TestConfig_UnknownKeys(t *testing.T) {
	const content = `unknown: 10
session:
  max_participants: 42`
	_, err := NewConfig(content, true, nil, nil)
	require.Error(t, err)
}

func TestGeneratedFlags(t *testing.T) {
	generatedFlags, err := GenerateCLIFlags(nil, false)
	require.NoError(t, err)

	app := cli.NewApp()
	app.Name = "test"
	app.Flags = append(app.Flags, generatedFlags...)

	set := flag.NewFlagSet("test", 0)
	set.Bool("session.enable_simulcast", false, "")
	set.Uint64("prometheus_port", 9999, "")
	set.Float64("selector.safety_margin", 1.3, "")

	c := cli.NewContext(app, set, nil)
	conf, err := NewConfig("", true, c, nil)
	require.NoError(t, err)

	require.False(t, conf.Session.EnableSimulcast)
	require.Equal(t, uint32(9999), conf.PrometheusPort)
	require.Equal(t, 1.3, conf.Selector.SafetyMargin)
}

func TestCheckYAMLTags(t *testing.T) {
	require.NoError(t, configtest.CheckYAMLTags(Config{}))
}

func TestQUICConfig_LoadTLSConfig(t *testing.T) {
	var q QUICConfig

	_, err := q.LoadTLSConfig(false)
	require.Error(t, err)

	tlsConf, err := q.LoadTLSConfig(true)
	require.NoError(t, err)
	require.Len(t, tlsConf.Certificates, 1)
}
