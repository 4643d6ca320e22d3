package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/livekit/sfu-core/pkg/config"
	"github.com/livekit/sfu-core/pkg/sfu/logger"
)

var baseFlags = []cli.Flag{
	&cli.StringSliceFlag{
		Name:  "bind",
		Usage: "IP addresses stored as bind_addresses (repeatable); the QUIC listener binds to quic.bind_address",
	},
	&cli.StringFlag{
		Name:  "config",
		Usage: "path to config file",
	},
	&cli.StringFlag{
		Name:    "config-body",
		Usage:   "config in YAML, typically passed in as an environment var in a container",
		EnvVars: []string{"SFU_CONFIG"},
	},
	&cli.StringFlag{
		Name:  "key-file",
		Usage: "path to file that contains API keys/secrets",
	},
	&cli.StringFlag{
		Name:    "keys",
		Usage:   "api keys (key: secret\\n)",
		EnvVars: []string{"SFU_KEYS"},
	},
	&cli.StringFlag{
		Name:    "node-id",
		Usage:   "node id stored as node_id in the config; the server does not read it",
		EnvVars: []string{"SFU_NODE_ID"},
	},
	&cli.BoolFlag{
		Name:  "dev",
		Usage: "sets log-level to debug, console formatter, and placeholder keys. insecure for production",
	},
	&cli.BoolFlag{
		Name:   "disable-strict-config",
		Usage:  "disables strict config parsing",
		Hidden: true,
	},
}

func main() {
	generatedFlags, err := config.GenerateCLIFlags(baseFlags, true)
	if err != nil {
		fmt.Println(err)
	}

	app := &cli.App{
		Name:        "sfu-server",
		Usage:       "Selective forwarding unit for audio/video over QUIC",
		Description: "run without subcommands to start the server",
		Flags:       append(baseFlags, generatedFlags...),
		Action:      serve,
		Commands: []*cli.Command{
			{
				Name:   "generate-node-id",
				Usage:  "generates a random node id suitable for --node-id",
				Action: generateNodeID,
			},
			{
				Name:   "ports",
				Usage:  "print the ports this node listens on",
				Action: printPorts,
			},
			{
				Name:   "help-verbose",
				Usage:  "prints app help, including all generated configuration flags",
				Action: helpVerbose,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Println(err)
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

	if c.String("config") == "" && c.String("config-body") == "" && conf.Development {
		if len(conf.Keys) == 0 {
			conf.Keys = map[string]string{"devkey": "secret"}
		}
		if conf.BindAddresses == nil {
			conf.BindAddresses = []string{"127.0.0.1"}
		}
	}
	return conf, nil
}

func getConfigString(configFile string, inConfigBody string) (string, error) {
	if inConfigBody != "" || configFile == "" {
		return inConfigBody, nil
	}
	outConfigBody, err := os.ReadFile(configFile)
	if err != nil {
		return "", err
	}
	return string(outConfigBody), nil
}

func serve(c *cli.Context) error {
	conf, err := getConfig(c)
	if err != nil {
		return err
	}
	if err := conf.ValidateKeys(); err != nil {
		return err
	}

	log := logger.New(logger.Options{
		Name:  "sfu",
		Level: conf.Logging.Level,
		JSON:  conf.Logging.JSON,
	})

	srv, err := newServer(conf, log)
	if err != nil {
		return err
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Info("exit requested, shutting down", "signal", sig.String())
		srv.Stop()
	}()

	return srv.Run(c.Context)
}
