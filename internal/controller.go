package internal

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/bulwark-server/bulwark/internal/auth"
	"github.com/bulwark-server/bulwark/internal/core"
	"github.com/bulwark-server/bulwark/internal/core/debug"
	"github.com/bulwark-server/bulwark/internal/game"
	"github.com/bulwark-server/bulwark/internal/gateway"
	"github.com/bulwark-server/bulwark/internal/launcher"
	"github.com/bulwark-server/bulwark/internal/session"
	"github.com/bulwark-server/bulwark/internal/tick"
)

// Controller is the main entrypoint for Bulwark. It's responsible for
// initializing the shared resources (logging, the session registry, the game
// module), wiring the components together, and driving the launcher.
type Controller struct {
	Config *core.Config

	logger   *logrus.Logger
	launcher *launcher.Launcher
}

// Start brings the server up and blocks until ctx is canceled, then performs
// the coordinated shutdown.
func (c *Controller) Start(ctx context.Context) error {
	var err error
	// Set up the logger, which will be used by all components.
	c.logger, err = core.NewLogger(c.Config)
	if err != nil {
		return err
	}

	// Start any debug utilities if we're configured to do so.
	if c.Config.Debugging.PprofEnabled {
		debug.StartUtilities(c.logger, c.Config.Debugging.PprofPort)
	}

	registry := session.NewRegistry()
	authenticator := &auth.Authenticator{
		Secret: c.Config.SharedSecret(),
		Logger: c.logger,
	}

	// The game module registers its tick processors before the scheduler
	// starts; an empty table just leaves the scheduler idle.
	module := game.NewDefault(c.logger)
	dispatcher := tick.NewDispatcher(c.logger, registry, module)

	gw := gateway.New(c.Config, c.logger, registry, authenticator)
	gw.DatagramHandler = module.HandleDatagram
	gw.ControlHandler = module.HandleControl

	c.launcher = launcher.New(c.logger,
		gw,
		tick.NewScheduler(c.logger, dispatcher),
	)
	c.launcher.Start(ctx)

	<-ctx.Done()
	return c.launcher.Stop()
}
