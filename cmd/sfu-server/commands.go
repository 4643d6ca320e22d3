package main

import (
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli/v2"

	"github.com/livekit/sfu-core/pkg/config"
)

// generateNodeID prints a random id suitable for --node-id. The server
// does not read node_id; a connection's NodeId comes from quictransport,
// which uses the peer's remote address by default.
func generateNodeID(_ *cli.Context) error {
	fmt.Println(uuid.NewString())
	return nil
}

func printPorts(c *cli.Context) error {
	conf, err := getConfig(c)
	if err != nil {
		return err
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Port", "Protocol", "Purpose"})
	table.SetAutoWrapText(false)
	table.Append([]string{conf.QUIC.BindAddress, "UDP/QUIC", "media and feedback substreams"})
	table.Append([]string{fmt.Sprintf(":%d", conf.PrometheusPort), "TCP/HTTP", "/metrics"})
	table.Render()
	return nil
}

func helpVerbose(c *cli.Context) error {
	generatedFlags, err := config.GenerateCLIFlags(baseFlags, false)
	if err != nil {
		return err
	}
	c.App.Flags = append(baseFlags, generatedFlags...)
	return cli.ShowAppHelp(c)
}
