package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"ordergate/internal/compliance"
	"ordergate/internal/config"
	"ordergate/internal/logger"
	"ordergate/internal/servlet"
	gatewayhttp "ordergate/internal/transport/http/gateway"
	"ordergate/internal/uid"

	"golang.org/x/sync/errgroup"
)

// App owns the servlet and the surfaces around it.
type App struct {
	cfg      *config.Config
	servlet  *servlet.Servlet
	http     *gatewayhttp.Server
	registry *compliance.Registry
	ids      uid.Client
	Summary  *StartupSummary
}

// NewApp builds the application without starting it.
func NewApp(cfg *config.Config) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	logger.SetLevel(cfg.App.LogLevel)
	logger.SetFormat(cfg.App.LogFormat)
	return buildAppWithWire(context.Background(), cfg)
}

// Run recovers the session's orders, then serves until ctx is done. The
// servlet is closed on return.
func (a *App) Run(ctx context.Context) error {
	if a == nil || a.servlet == nil {
		return fmt.Errorf("app not initialized")
	}
	if err := a.servlet.Open(ctx); err != nil {
		return errors.Join(fmt.Errorf("recover orders: %w", err), a.Close())
	}
	if a.Summary != nil {
		a.Summary.Print()
	}

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		if err := a.http.Start(gctx); err != nil {
			return fmt.Errorf("gateway http server: %w", err)
		}
		return nil
	})
	if a.registry != nil {
		group.Go(func() error {
			return a.registry.Watch(gctx)
		})
	}
	err := group.Wait()
	appLog.Infof("shutting down")
	return errors.Join(err, a.Close())
}

// Close stops the servlet, which closes the driver chain and the store,
// and releases the id service.
func (a *App) Close() error {
	return errors.Join(a.servlet.Close(), a.ids.Close())
}

func (a *App) Servlet() *servlet.Servlet {
	return a.servlet
}

// Handler exposes the HTTP router for in-process callers.
func (a *App) Handler() http.Handler {
	return a.http.Handler()
}
