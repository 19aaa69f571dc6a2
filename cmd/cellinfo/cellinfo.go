// SPDX-License-Identifier: MIT
//
// Copyright © 2018 Kent Gibson <warthog618@gmail.com>.

// cellinfo collects and displays the registration, operator, signal strength
// and serving cell reported by the modem.
//
// This serves as an example of how to drive the modem with the netreg and
// netmon drivers, as well as providing information which may be useful for
// debugging.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
	"github.com/warthog618/ubloxmodem/chat"
	"github.com/warthog618/ubloxmodem/modem"
	"github.com/warthog618/ubloxmodem/netmon"
	"github.com/warthog618/ubloxmodem/netreg"
	"github.com/warthog618/ubloxmodem/serial"
	"github.com/warthog618/ubloxmodem/trace"
)

var version = "undefined"

func main() {
	app := &cli.App{
		Name:    "cellinfo",
		Usage:   "Display the serving cell of a u-blox modem",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "device",
				Aliases: []string{"d"},
				Value:   "/dev/ttyUSB0",
				Usage:   "path to modem device",
			},
			&cli.IntFlag{
				Name:    "baud",
				Aliases: []string{"b"},
				Value:   115200,
				Usage:   "baud rate",
			},
			&cli.DurationFlag{
				Name:    "timeout",
				Aliases: []string{"t"},
				Value:   5 * time.Second,
				Usage:   "command timeout period",
			},
			&cli.BoolFlag{
				Name:    "verbose",
				Aliases: []string{"v"},
				Usage:   "log modem interactions",
			},
			&cli.BoolFlag{
				Name:    "raw",
				Aliases: []string{"r"},
				Usage:   "also dump the raw responses to the underlying commands",
			},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	p, err := serial.New(serial.WithPort(c.String("device")), serial.WithBaud(c.Int("baud")))
	if err != nil {
		return err
	}
	defer p.Close()
	var mio io.ReadWriter = p
	if c.Bool("verbose") {
		logrus.SetLevel(logrus.DebugLevel)
		mio = trace.New(p)
	}
	timeout := c.Duration("timeout")
	m := modem.New(mio, modem.WithCommandTimeout(timeout))
	defer m.Close()
	ctx, cancel := context.WithTimeout(c.Context, 4*timeout)
	err = m.Init(ctx)
	cancel()
	if err != nil {
		return err
	}
	props := m.Properties()
	fmt.Printf("Modem: %s %s (%s)\n", props[modem.PropManufacturer], props[modem.PropModel], props[modem.PropRevision])
	if c.Bool("raw") {
		dumpRaw(c.Context, m, timeout)
	}
	nr := m.NetReg()
	nm := m.NetMon()
	ch := m.Chat()
	err = await(ch, func(done func()) {
		nr.RegistrationStatus(func(s netreg.Status, err error) {
			if err != nil {
				fmt.Printf("Registration: %s\n", err)
			} else {
				fmt.Printf("Registration: stat %d, lac %d, ci %d, %s\n", s.Stat, s.LAC, s.CI, s.Tech)
			}
			nr.CurrentOperator(func(op *netreg.Operator, err error) {
				if err != nil {
					fmt.Printf("Operator: %s\n", err)
				} else {
					fmt.Printf("Operator: %s (%s/%s) %s\n", op.Name, op.MCC, op.MNC, op.Tech)
				}
				nr.Strength(func(v int, err error) {
					if err != nil {
						fmt.Printf("Strength: %s\n", err)
					} else {
						fmt.Printf("Strength: %d%%\n", v)
					}
					nm.Probe(func(error) {})
					nm.RequestUpdate(func(cell *netmon.ServingCell, err error) {
						if err != nil {
							fmt.Printf("Serving cell: %s\n", err)
						} else {
							printCell(cell)
						}
						done()
					})
				})
			})
		})
	})
	return err
}

// await runs f on the chat event loop and waits for it to call done.
func await(ch *chat.Chat, f func(done func())) error {
	finished := make(chan struct{})
	if err := ch.Call(func() { f(func() { close(finished) }) }); err != nil {
		return err
	}
	select {
	case <-finished:
		return nil
	case <-ch.Done():
		return chat.ErrClosed
	}
}

func printCell(cell *netmon.ServingCell) {
	fmt.Printf("Serving cell: %s %s", cell.Type, cell.Operator)
	if cell.MCC != "" {
		fmt.Printf(" (%s/%s)", cell.MCC, cell.MNC)
	}
	fmt.Println()
	keys := make([]netmon.InfoType, 0, len(cell.Info))
	for k := range cell.Info {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	for _, k := range keys {
		fmt.Printf(" %s: %d\n", k, cell.Info[k])
	}
}

func dumpRaw(ctx context.Context, m *modem.Modem, timeout time.Duration) {
	cmds := []string{
		"I",
		"+GCAP",
		"+CGSN",
		"+CIMI",
		"+CCID",
		"+CPIN?",
		"+CREG?",
		"+CGREG?",
		"+CEREG?",
		"+COPS?",
		"+CSQ",
		"+CESQ",
		"+UCGED?",
		"+CGDCONT?",
		"+CGACT?",
		"+UIPCONF?",
	}
	for _, cmd := range cmds {
		tctx, cancel := context.WithTimeout(ctx, timeout)
		info, err := m.Command(tctx, cmd)
		cancel()
		fmt.Println("AT" + cmd)
		if err != nil {
			fmt.Printf(" %s\n", err)
			continue
		}
		for _, l := range info {
			fmt.Printf(" %s\n", l)
		}
	}
}
