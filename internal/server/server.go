package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/kloudcover/anywhere-mesh/internal/meshconfig"
)

// Options bundles everything Run needs to start one ingress process.
type Options struct {
	Config     *meshconfig.IngressConfig
	ConfigPath string // empty disables hot-reload
	HTTPClient *http.Client
}

// Run starts the three listeners (edge, internal, control) and blocks
// until one of them exits, at which point it returns that error. The
// caller (cmd/mesh) decides what to do with a non-nil error instead of
// Run calling os.Exit directly, so tests can exercise Run without
// killing the test binary.
func Run(ctx context.Context, opts Options) error {
	auth, err := NewAuthenticator(opts.Config.Auth.SkipValidation, opts.Config.Auth.AllowedRoleArns, opts.HTTPClient)
	if err != nil {
		return fmt.Errorf("constructing authenticator: %w", err)
	}

	svc := NewService(auth, time.Duration(opts.Config.Server.RequestTimeout)*time.Second, opts.Config.Server.MaxConnections)

	if opts.ConfigPath != "" {
		watcher, err := meshconfig.NewWatcher(opts.ConfigPath, meshconfig.WatchTargets{
			OnConfigChange: func() {
				cfg, err := meshconfig.LoadIngress(opts.ConfigPath)
				if err != nil {
					slog.Error("config reload failed", "error", err)
					return
				}
				if err := svc.Auth().Reload(cfg.Auth.AllowedRoleArns); err != nil {
					slog.Error("auth allow-list reload failed", "error", err)
					return
				}
				slog.Info("auth allow-list reloaded", "patterns", len(cfg.Auth.AllowedRoleArns))
			},
		})
		if err != nil {
			slog.Warn("config watcher disabled", "error", err)
		} else {
			defer watcher.Close()
		}
	}

	if lb := opts.Config.Routing.LoadBalancing; lb != "" && lb != "round_robin" {
		slog.Info("load_balancing strategy is not implemented; selecting the first healthy instance in order",
			"load_balancing", lb)
	}

	slog.Info("ingress starting",
		"instance_id", svc.InstanceID,
		"alb_port", opts.Config.Server.AlbPort,
		"health_port", opts.Config.Server.HealthPort,
		"websocket_port", opts.Config.Server.WebsocketPort,
	)

	edgeMux := http.NewServeMux()
	edgeMux.HandleFunc("/", svc.HandleEdge)

	internalMux := http.NewServeMux()
	internalMux.HandleFunc("/", svc.HandleInternal)

	controlMux := http.NewServeMux()
	controlMux.HandleFunc("/", svc.HandleControl)

	servers := []*http.Server{
		{Addr: fmt.Sprintf(":%d", opts.Config.Server.AlbPort), Handler: edgeMux},
		{Addr: fmt.Sprintf(":%d", opts.Config.Server.HealthPort), Handler: internalMux},
		{Addr: fmt.Sprintf(":%d", opts.Config.Server.WebsocketPort), Handler: controlMux},
	}

	errCh := make(chan error, len(servers))
	for _, srv := range servers {
		srv := srv
		go func() {
			slog.Info("listener started", "addr", srv.Addr)
			errCh <- srv.ListenAndServe()
		}()
	}

	select {
	case err := <-errCh:
		return fmt.Errorf("listener exited: %w", err)
	case <-ctx.Done():
		for _, srv := range servers {
			_ = srv.Close()
		}
		return ctx.Err()
	}
}

// Auth exposes the running service's authenticator so the config
// watcher can hot-reload the ARN allow-list.
func (s *Service) Auth() *Authenticator { return s.auth }
