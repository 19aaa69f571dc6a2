// SPDX-License-Identifier: MIT
//
// Copyright © 2020 Kent Gibson <warthog618@gmail.com>.

package main

import (
	"context"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/warthog618/ubloxmodem/gprs"
	"github.com/warthog618/ubloxmodem/internal/api"
	"github.com/warthog618/ubloxmodem/internal/config"
	"github.com/warthog618/ubloxmodem/internal/logger"
	"github.com/warthog618/ubloxmodem/internal/netif"
	"github.com/warthog618/ubloxmodem/internal/store"
	"github.com/warthog618/ubloxmodem/modem"
	"github.com/warthog618/ubloxmodem/netmon"
	"github.com/warthog618/ubloxmodem/netreg"
	"github.com/warthog618/ubloxmodem/serial"
	"github.com/warthog618/ubloxmodem/trace"
	"golang.org/x/sys/unix"
)

// Event types published to API clients.
const (
	eventRegistration = "registration"
	eventStrength     = "strength"
	eventCell         = "cell"
	eventContext      = "context"
)

// how long to wait for contexts to deactivate on shutdown.
const shutdownTimeout = 10 * time.Second

type managedContext struct {
	cfg config.Context
	ctx *gprs.Context
}

// daemon owns the modem and the services built on it.
//
// Driver calls are made on the modem event loop. The snapshot is also
// read by the API handlers so is covered by mu.
type daemon struct {
	cfg  *config.Config
	logs *logger.Log
	log  *logrus.Entry

	port     io.ReadWriteCloser
	m        *modem.Modem
	nr       *netreg.NetReg
	nm       *netmon.NetMon
	contexts []*managedContext
	nif      *netif.Netif
	st       *store.Store
	api      *api.Server
	http     *http.Server

	// covers status and ctxStatus
	mu        sync.Mutex
	status    api.Status
	ctxStatus map[uint]api.ContextStatus
}

func newDaemon(cfg *config.Config, logs *logger.Log) *daemon {
	return &daemon{
		cfg:       cfg,
		logs:      logs,
		log:       logs.Component("ubloxd"),
		status:    api.Status{Strength: -1},
		ctxStatus: make(map[uint]api.ContextStatus),
	}
}

func (d *daemon) start(ctx context.Context) error {
	mc := d.cfg.Modem
	p, err := serial.New(serial.WithPort(mc.Device), serial.WithBaud(mc.Baud))
	if err != nil {
		return err
	}
	d.port = p
	var mio io.ReadWriter = p
	if mc.Trace {
		mio = trace.New(p, trace.WithLogger(d.logs.Component("trace")))
	}
	d.m = modem.New(mio,
		modem.WithProperties(d.cfg.Properties()),
		modem.WithLogger(d.logs.Component("modem")),
		modem.WithCommandTimeout(mc.CommandTimeout))
	ictx, cancel := context.WithTimeout(ctx, 4*mc.CommandTimeout)
	err = d.m.Init(ictx)
	cancel()
	if err != nil {
		return errors.WithMessage(err, "init modem")
	}
	d.setProperties(d.m.Properties())

	if d.st, err = store.Open(d.cfg.Store.Path); err != nil {
		return err
	}
	if mc.Interface != "" {
		d.nif, err = netif.New(netif.WithLogger(d.logs.Component("netif")))
		if err != nil {
			return err
		}
	}
	d.api = api.New(d, d.st, api.WithLogger(d.logs.Component("api")))

	ch := d.m.Chat()
	err = ch.Call(func() {
		d.nr = d.m.NetReg(
			netreg.WithNotifier(d),
			netreg.WithLogger(d.logs.Component("netreg")))
		d.nr.Probe(d.netregProbed)
		d.nm = d.m.NetMon(
			netmon.WithNotifier(d),
			netmon.WithLogger(d.logs.Component("netmon")))
		d.nm.Probe(func(err error) {
			if err != nil {
				d.log.WithError(err).Warn("netmon probe failed")
			}
		})
		d.createContexts()
	})
	if err != nil {
		return err
	}
	if d.cfg.API.Listen != "" {
		d.serveAPI()
	}
	return nil
}

func (d *daemon) netregProbed(err error) {
	if err != nil {
		d.log.WithError(err).Error("netreg probe failed")
		d.nr.Remove()
		d.nr = nil
		return
	}
	d.nr.CurrentOperator(func(op *netreg.Operator, err error) {
		if err != nil {
			d.log.WithError(err).Debug("no operator")
			return
		}
		d.mu.Lock()
		d.status.Operator = op
		d.mu.Unlock()
	})
}

// createContexts creates the configured contexts and activates those
// flagged for autoconnect.
//
// Called on the event loop.
func (d *daemon) createContexts() {
	for _, cc := range d.cfg.Contexts {
		cc := cc
		params, err := cc.Params()
		if err != nil {
			d.log.WithError(err).WithField("cid", cc.CID).Error("bad context")
			continue
		}
		c, err := d.m.NewContext(
			gprs.WithNotifier(gprs.NotifierFunc(d.contextDeactivated)),
			gprs.WithLogger(d.logs.Component("gprs").WithField("cid", cc.CID)))
		if err != nil {
			d.log.WithError(err).WithField("cid", cc.CID).Error("create context")
			continue
		}
		mc := &managedContext{cfg: cc, ctx: c}
		d.contexts = append(d.contexts, mc)
		d.updateContext(cc.CID, c)
		if !cc.Autoconnect {
			continue
		}
		c.ActivatePrimary(params, func(err error) {
			d.activated(mc, err)
		})
	}
}

func (d *daemon) activated(mc *managedContext, err error) {
	cid := mc.cfg.CID
	log := d.log.WithField("cid", cid)
	ev := store.ContextEvent{CID: cid, Event: store.EventActivated}
	if err != nil {
		log.WithError(err).Error("activation failed")
		ev.Event = store.EventActivationFailed
		ev.Error = err.Error()
	} else {
		s := mc.ctx.Settings()
		log.WithFields(logrus.Fields{
			"address": s.Address,
			"gateway": s.Gateway,
			"dns":     s.DNS,
		}).Info("activated")
		ev.Address = s.Address.String()
		if d.nif != nil {
			if err := d.nif.Apply(s); err != nil {
				log.WithError(err).Error("apply settings")
			}
		}
	}
	d.recordEvent(ev)
	d.updateContext(cid, mc.ctx)
}

func (d *daemon) contextDeactivated(cid uint) {
	d.log.WithField("cid", cid).Warn("deactivated by network")
	if d.nif != nil {
		if err := d.nif.Flush(d.cfg.Modem.Interface); err != nil {
			d.log.WithError(err).Error("flush interface")
		}
	}
	d.recordEvent(store.ContextEvent{CID: cid, Event: store.EventNetworkDeactivation})
	for _, mc := range d.contexts {
		if mc.cfg.CID == cid {
			d.updateContext(cid, mc.ctx)
		}
	}
}

func (d *daemon) recordEvent(ev store.ContextEvent) {
	if d.st != nil {
		if err := d.st.RecordContextEvent(ev); err != nil {
			d.log.WithError(err).Error("record context event")
		}
	}
	d.publish(eventContext, ev)
}

func (d *daemon) publish(eventType string, data interface{}) {
	if d.api != nil {
		d.api.Publish(eventType, data)
	}
}

func (d *daemon) updateContext(cid uint, c *gprs.Context) {
	cs := api.ContextStatus{
		CID:      cid,
		ID:       c.ID(),
		State:    c.State().String(),
		Settings: c.Settings(),
	}
	d.mu.Lock()
	d.ctxStatus[cid] = cs
	d.mu.Unlock()
}

func (d *daemon) setProperties(props map[string]string) {
	d.mu.Lock()
	d.status.Properties = props
	d.mu.Unlock()
}

// StatusNotify records registration changes.
func (d *daemon) StatusNotify(s netreg.Status) {
	d.log.WithFields(logrus.Fields{
		"stat": s.Stat,
		"lac":  s.LAC,
		"ci":   s.CI,
		"tech": s.Tech,
	}).Info("registration")
	d.mu.Lock()
	d.status.Registration = &s
	d.mu.Unlock()
	d.publish(eventRegistration, s)
}

// StrengthNotify records signal strength changes.
func (d *daemon) StrengthNotify(v int) {
	d.mu.Lock()
	d.status.Strength = v
	d.mu.Unlock()
	d.publish(eventStrength, v)
}

// ServingCellNotify records the serving cell.
func (d *daemon) ServingCellNotify(c *netmon.ServingCell) {
	d.mu.Lock()
	d.status.Cell = c
	d.mu.Unlock()
	if d.st != nil {
		if err := d.st.RecordCell(c); err != nil {
			d.log.WithError(err).Error("record cell")
		}
	}
	d.publish(eventCell, c)
}

// Status returns a snapshot of the modem state.
func (d *daemon) Status() api.Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := d.status
	s.Properties = make(map[string]string, len(d.status.Properties))
	for k, v := range d.status.Properties {
		s.Properties[k] = v
	}
	return s
}

// Contexts returns a snapshot of the configured contexts, ordered as
// configured.
func (d *daemon) Contexts() []api.ContextStatus {
	d.mu.Lock()
	defer d.mu.Unlock()
	cs := make([]api.ContextStatus, 0, len(d.ctxStatus))
	for _, cc := range d.cfg.Contexts {
		if s, ok := d.ctxStatus[cc.CID]; ok {
			cs = append(cs, s)
		}
	}
	return cs
}

func (d *daemon) serveAPI() {
	d.http = &http.Server{
		Addr:              d.cfg.API.Listen,
		Handler:           d.api,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		d.log.WithField("listen", d.cfg.API.Listen).Info("serving api")
		if err := d.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			d.log.WithError(err).Error("api server")
		}
	}()
}

// sample periodically requests the serving cell and the operator.
func (d *daemon) sample(done <-chan struct{}) {
	t := time.NewTicker(d.cfg.Modem.SampleInterval)
	defer t.Stop()
	ch := d.m.Chat()
	for {
		ch.Post(d.sampleOnce)
		select {
		case <-t.C:
		case <-done:
			return
		case <-ch.Done():
			d.log.Error("modem closed")
			return
		}
	}
}

func (d *daemon) sampleOnce() {
	if d.nm != nil {
		d.nm.RequestUpdate(func(_ *netmon.ServingCell, err error) {
			if err != nil {
				d.log.WithError(err).Debug("serving cell unavailable")
			}
		})
	}
	if d.nr != nil {
		d.nr.CurrentOperator(func(op *netreg.Operator, err error) {
			if err != nil {
				op = nil
			}
			d.mu.Lock()
			d.status.Operator = op
			d.mu.Unlock()
		})
	}
}

// run blocks until a terminating signal or the modem closes.
func (d *daemon) run() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, unix.SIGHUP, unix.SIGINT, unix.SIGQUIT, unix.SIGTERM)
	defer signal.Stop(sigChan)
	done := make(chan struct{})
	go d.sample(done)
	defer close(done)
	for {
		select {
		case sig := <-sigChan:
			switch sig {
			case unix.SIGHUP:
				d.log.Info("SIGHUP: refreshing")
				d.m.Chat().Post(d.sampleOnce)
			default:
				d.log.WithField("signal", sig).Info("stopping")
				return
			}
		case <-d.m.Chat().Done():
			d.log.Error("modem closed")
			return
		}
	}
}

// stop deactivates the active contexts and releases the daemon resources.
func (d *daemon) stop() {
	if d.http != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := d.http.Shutdown(ctx); err != nil {
			d.log.WithError(err).Warn("api shutdown")
		}
		cancel()
	}
	if d.m != nil {
		d.deactivateAll()
		d.m.Close()
	}
	if d.nif != nil {
		if err := d.nif.Flush(d.cfg.Modem.Interface); err != nil {
			d.log.WithError(err).Warn("flush interface")
		}
	}
	if d.st != nil {
		if err := d.st.Close(); err != nil {
			d.log.WithError(err).Warn("close store")
		}
	}
	if d.port != nil {
		d.port.Close()
	}
}

func (d *daemon) deactivateAll() {
	results := make(chan error, len(d.contexts))
	var pending int
	err := d.m.Chat().Call(func() {
		for _, mc := range d.contexts {
			if mc.ctx.State() != gprs.StateActive {
				continue
			}
			pending++
			mc := mc
			mc.ctx.DeactivatePrimary(mc.cfg.CID, func(err error) {
				ev := store.ContextEvent{CID: mc.cfg.CID, Event: store.EventDeactivated}
				if err != nil {
					ev.Error = err.Error()
				}
				d.recordEvent(ev)
				d.updateContext(mc.cfg.CID, mc.ctx)
				results <- err
			})
		}
	})
	if err != nil {
		return
	}
	timeout := time.After(shutdownTimeout)
	for ; pending > 0; pending-- {
		select {
		case err := <-results:
			if err != nil {
				d.log.WithError(err).Warn("deactivate")
			}
		case <-timeout:
			d.log.Warn("timed out deactivating contexts")
			return
		}
	}
}
