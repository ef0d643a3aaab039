package vswitch

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/virtnet/vswitch/config"
)

// Control is the running service handle returned by Main.
type Control struct {
	l          *logrus.Logger
	c          *config.C
	registry   *Registry
	sets       []*Portset
	statsStart func(context.Context) error

	ctx    context.Context
	cancel context.CancelFunc
	eg     *errgroup.Group
}

func newControl(l *logrus.Logger, c *config.C, registry *Registry, sets []*Portset, statsStart func(context.Context) error) *Control {
	ctx, cancel := context.WithCancel(context.Background())
	eg, ctx := errgroup.WithContext(ctx)
	return &Control{
		l:          l,
		c:          c,
		registry:   registry,
		sets:       sets,
		statsStart: statsStart,
		ctx:        ctx,
		cancel:     cancel,
		eg:         eg,
	}
}

// Registry exposes the portset registry for embedding callers.
func (ct *Control) Registry() *Registry { return ct.registry }

// Start runs the service. This is a nonblocking call, to block use
// Control.ShutdownBlock()
func (ct *Control) Start() {
	ct.c.CatchHUP(ct.ctx)
	if ct.statsStart != nil {
		ct.eg.Go(func() error { return ct.statsStart(ct.ctx) })
	}
	ct.l.Info("Virtual switch service started")
}

// Stop signals the service to shut down, returns after the shutdown is
// complete.
func (ct *Control) Stop() {
	ct.cancel()
	if err := ct.eg.Wait(); err != nil {
		ct.l.WithError(err).Error("Stats sink exited with error")
	}

	for _, ps := range ct.sets {
		if err := ct.registry.Deactivate(ps); err != nil {
			ct.l.WithField("portset", ps.Name()).WithError(err).Error("Failed to deactivate portset")
		}
	}
	ct.l.Info("Goodbye")
}

// ShutdownBlock will listen for and block on term and interrupt signals,
// calling Control.Stop() once signalled
func (ct *Control) ShutdownBlock() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM)
	signal.Notify(sigChan, syscall.SIGINT)

	rawSig := <-sigChan
	sig := rawSig.String()
	ct.l.WithField("signal", sig).Info("Caught signal, shutting down")
	ct.Stop()
}
