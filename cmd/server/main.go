// Copyright 2024 Voxmesh, Inc.
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
	"context"
	"fmt"
	"net"
	"net/netip"
	"os"
	"os/signal"
	"syscall"

	"github.com/benbjohnson/clock"
	"github.com/urfave/cli/v2"

	"github.com/voxmesh/voxmesh-server/pkg/config"
	serverlogger "github.com/voxmesh/voxmesh-server/pkg/logger"
	"github.com/voxmesh/voxmesh-server/pkg/service"
	"github.com/voxmesh/voxmesh-server/pkg/telemetry/prometheus"
	"github.com/voxmesh/voxmesh-server/version"
)

var baseFlags = []cli.Flag{
	&cli.StringFlag{
		Name:  "config",
		Usage: "path to voxmesh config file",
	},
	&cli.StringFlag{
		Name:    "config-body",
		Usage:   "voxmesh config in YAML, typically passed in as an environment var in a container",
		EnvVars: []string{"VOXMESH_CONFIG"},
	},
	&cli.Uint64Flag{
		Name:    "udp-port",
		Usage:   "UDP port for media traffic",
		EnvVars: []string{"UDP_PORT"},
	},
	&cli.StringFlag{
		Name:    "log-level",
		Usage:   "debug, info, warn, or error",
		EnvVars: []string{"VOXMESH_LOG_LEVEL"},
	},
	&cli.Uint64Flag{
		Name:    "prometheus-port",
		Usage:   "port for the metrics registry",
		EnvVars: []string{"VOXMESH_PROMETHEUS_PORT"},
	},
	&cli.StringFlag{
		Name:    "node-id",
		Usage:   "id of this media node, defaults to the hostname",
		EnvVars: []string{"VOXMESH_NODE_ID"},
	},
}

func main() {
	app := &cli.App{
		Name:    "voxmesh-server",
		Usage:   "conferencing media engine (SFU with MCU audio mixing)",
		Version: version.Version,
		Flags:   baseFlags,
		Action:  runServer,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func getConfigString(c *cli.Context) (string, error) {
	configBody := c.String("config-body")
	if configBody != "" {
		return configBody, nil
	}
	configFile := c.String("config")
	if configFile == "" {
		return "", nil
	}
	content, err := os.ReadFile(configFile)
	if err != nil {
		return "", err
	}
	return string(content), nil
}

func runServer(c *cli.Context) error {
	confString, err := getConfigString(c)
	if err != nil {
		return err
	}
	conf, err := config.NewConfig(confString, c)
	if err != nil {
		return err
	}

	serverlogger.InitProduction(conf.LogLevel)
	logger := serverlogger.GetLogger()

	nodeID := c.String("node-id")
	if nodeID == "" {
		nodeID, _ = os.Hostname()
	}
	prometheus.Init(nodeID)

	sink, err := newUDPSink(conf.RTC.UDPPort)
	if err != nil {
		return err
	}
	defer sink.Close()

	engine := service.NewMediaEngine(conf, sink, clock.New(), logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Info("exit requested, shutting down", "signal", sig)
		engine.Stop()
		cancel()
	}()

	logger.Info("starting voxmesh-server",
		"version", version.Version, "nodeID", nodeID, "udpPort", conf.RTC.UDPPort)
	return engine.Start(ctx)
}

// udpSink is the thin socket collaborator handed to the engine. Socket
// ownership stays here; the engine never extends its lifetime.
type udpSink struct {
	conn *net.UDPConn
}

func newUDPSink(port uint32) (*udpSink, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: int(port)})
	if err != nil {
		return nil, err
	}
	return &udpSink{conn: conn}, nil
}

func (s *udpSink) Send(data []byte, destination netip.AddrPort) error {
	_, err := s.conn.WriteToUDPAddrPort(data, destination)
	return err
}

func (s *udpSink) Close() {
	_ = s.conn.Close()
}
