package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"aircast/pkg/config"
	"aircast/pkg/discovery"
	"aircast/pkg/handshake"
	"aircast/pkg/linksel"
	"aircast/pkg/observability"
	"aircast/pkg/reassembly"
	"aircast/pkg/session"
)

// run is the main entry point after CLI parsing.
func run(opts Options) int {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		_, _ = os.Stderr.WriteString("failed to load config: " + err.Error() + "\n")
		return 1
	}

	logger, err := observability.SetupLogger(cfg.Log)
	if err != nil {
		_, _ = os.Stderr.WriteString("failed to setup logger: " + err.Error() + "\n")
		return 1
	}
	defer func() { _ = logger.Sync() }()

	zap.L().Info("aircast-client started", zap.String("app", cfg.AppName))

	store := discovery.NewStore(cfg.Discovery.PeerTTL)
	defer store.Close()

	var sources []discovery.Source
	if opts.Remote != "" {
		sources = append(sources, &discovery.ManualSource{Address: opts.Remote})
	}

	selector := linksel.New(linksel.Config{
		MeshDeadline:   cfg.Link.MeshDeadline,
		ResolveTimeout: cfg.Link.ResolveTimeout,
		ControlPort:    cfg.Host.ControlPort,
		MediaPort:      cfg.Host.MediaPort,
		RelayAddress:   cfg.Relay.Address,
		RelayMediaPort: cfg.Relay.MediaPort,
	})

	mgr := session.New(session.Config{
		MaxReconnectAttempts: cfg.Session.MaxReconnectAttempts,
		ReconnectBaseDelay:   cfg.Session.ReconnectBaseDelay,
		PingInterval:         cfg.Session.PingInterval,
		Reassembly: reassembly.Config{
			Lossless:        cfg.Reassembly.Lossless,
			NackDelay:       cfg.Reassembly.NackDelay,
			NackMinInterval: cfg.Reassembly.NackMinInterval,
			MaxAssemblies:   cfg.Reassembly.MaxAssemblies,
			AssemblyTimeout: cfg.Reassembly.AssemblyTimeout,
			QueueLen:        cfg.Reassembly.QueueLen,
		},
	}, selector, store, sources...)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	mgr.Start(ctx)
	defer mgr.Stop()
	mgr.StartDiscovery()

	caps := handshake.Capabilities{Video: !opts.InputOnly, Audio: !opts.InputOnly}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	for {
		select {
		case <-sig:
			zap.L().Info("shutting down")
			return 0
		case ev := <-mgr.Events():
			switch ev.Kind {
			case session.EventState:
				zap.L().Info("status", zap.String("state", ev.State.String()), zap.String("detail", ev.Status))
			case session.EventPeerFound:
				zap.L().Info("host available", zap.String("id", ev.Peer.ID), zap.String("name", ev.Peer.Name))
				if opts.Connect != "" && ev.Peer.ID == opts.Connect {
					mgr.Connect(ev.Peer, caps, opts.Secret)
				} else if opts.Remote != "" && ev.Peer.ID == "manual:"+opts.Remote {
					mgr.Connect(ev.Peer, caps, opts.Secret)
				}
			case session.EventPeerLost:
				zap.L().Info("host gone", zap.String("id", ev.Peer.ID))
			case session.EventMediaFrame:
				// Decode/render is out of scope for the transport core; a
				// frontend consumes these events.
				zap.L().Debug("media frame", zap.Int("bytes", len(ev.Frame)))
			case session.EventAudio:
				zap.L().Debug("audio payload", zap.Int("bytes", len(ev.Frame)))
			}
		}
	}
}
