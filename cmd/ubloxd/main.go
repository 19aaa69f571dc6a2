// SPDX-License-Identifier: MIT
//
// Copyright © 2020 Kent Gibson <warthog618@gmail.com>.

// ubloxd manages the packet data connection of a u-blox modem.
//
// It activates the configured GPRS contexts, applies the resulting IP
// configuration to the host interface, records registration and cell
// changes, and serves the modem status over HTTP.
package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
	"github.com/warthog618/ubloxmodem/internal/config"
	"github.com/warthog618/ubloxmodem/internal/logger"
)

const defaultConfigFile = "/etc/ubloxd/ubloxd.yaml"

func main() {
	app := &cli.App{
		Name:  "ubloxd",
		Usage: "Manage the packet data connection of a u-blox modem",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   defaultConfigFile,
				Usage:   "Specify configuration file `path`.",
			},
		},
		Commands: []*cli.Command{
			{
				Name:        "run",
				Usage:       "Run the daemon",
				Description: "Run connects the modem and runs until terminated",
				Action:      runCmd,
			},
			{
				Name:        "check-config",
				Usage:       "Check the configuration file",
				Description: "Check-config loads and validates the configuration",
				Action:      checkConfigCmd,
			},
		},
		Version: "v1.0.0",
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func checkConfigCmd(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}
	fmt.Printf("%s: ok, %d contexts\n", c.String("config"), len(cfg.Contexts))
	return nil
}

func runCmd(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}
	logs, err := newLogs(cfg.Log)
	if err != nil {
		return err
	}
	d := newDaemon(cfg, logs)
	defer d.stop()
	if err := d.start(c.Context); err != nil {
		return err
	}
	d.run()
	return nil
}

func newLogs(cfg *config.Log) (*logger.Log, error) {
	logs := logger.New(os.Stderr)
	if err := logs.SetLevel(cfg.DebugLevel); err != nil {
		return nil, err
	}
	logs.SetReportCaller(cfg.ReportCaller)
	if cfg.LogPath != "" {
		if err := logs.WithFile(cfg.LogPath); err != nil {
			return nil, err
		}
	}
	return logs, nil
}
