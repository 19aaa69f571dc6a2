// SPDX-License-Identifier: MIT
//
// Copyright © 2018 Kent Gibson <warthog618@gmail.com>.

// regwatch waits for network registration and signal strength changes
// reported by the modem, and dumps them to stdout.
//
// This provides an example of using notifications, as well as a test
// that the library works with the modem.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
	"github.com/warthog618/ubloxmodem/chat"
	"github.com/warthog618/ubloxmodem/modem"
	"github.com/warthog618/ubloxmodem/netreg"
	"github.com/warthog618/ubloxmodem/serial"
	"github.com/warthog618/ubloxmodem/trace"
)

func main() {
	app := &cli.App{
		Name:  "regwatch",
		Usage: "Watch the network registration of a u-blox modem",
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
				Name:    "period",
				Aliases: []string{"p"},
				Value:   10 * time.Minute,
				Usage:   "period to wait",
			},
			&cli.DurationFlag{
				Name:    "poll",
				Value:   time.Minute,
				Usage:   "signal strength polling period",
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
				Name:    "hex",
				Aliases: []string{"x"},
				Usage:   "hex dump modem responses",
			},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type printer struct{}

func (printer) StatusNotify(s netreg.Status) {
	fmt.Printf("%s registration: stat %d, lac %d, ci %d, %s\n",
		time.Now().Format(time.RFC3339), s.Stat, s.LAC, s.CI, s.Tech)
}

func (printer) StrengthNotify(v int) {
	fmt.Printf("%s strength: %d%%\n", time.Now().Format(time.RFC3339), v)
}

func run(c *cli.Context) error {
	p, err := serial.New(serial.WithPort(c.String("device")), serial.WithBaud(c.Int("baud")))
	if err != nil {
		return err
	}
	defer p.Close()
	var mio io.ReadWriter = p
	if c.Bool("hex") {
		logrus.SetLevel(logrus.DebugLevel)
		mio = trace.New(p, trace.WithReadFormat("r: % x"))
	} else if c.Bool("verbose") {
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
	ch := m.Chat()
	nr := m.NetReg(netreg.WithNotifier(printer{}))
	probed := make(chan error, 1)
	if err := ch.Call(func() { nr.Probe(func(err error) { probed <- err }) }); err != nil {
		return err
	}
	select {
	case err = <-probed:
		if err != nil {
			return err
		}
	case <-ch.Done():
		return chat.ErrClosed
	}
	defer ch.Call(nr.Remove)

	ctx, cancel = context.WithTimeout(c.Context, c.Duration("period"))
	defer cancel()
	pollStrength(ctx, ch, nr, c.Duration("poll"))
	fmt.Println("exiting...")
	return nil
}

// pollStrength polls the modem to read signal strength periodically.
// This runs in parallel to the notifications to demonstrate commands and
// notifications sharing the modem.
func pollStrength(ctx context.Context, ch *chat.Chat, nr *netreg.NetReg, period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			ch.Post(func() {
				nr.Strength(func(v int, err error) {
					if err != nil {
						fmt.Printf("strength: %s\n", err)
						return
					}
					fmt.Printf("%s polled strength: %d%%\n", time.Now().Format(time.RFC3339), v)
				})
			})
		case <-ctx.Done():
			return
		case <-ch.Done():
			fmt.Println("modem closed")
			return
		}
	}
}
