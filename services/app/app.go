// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package app wires one instance of every client service from a config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/beaconspace/pkg/config"
	"github.com/AleutianAI/beaconspace/pkg/logging"
	"github.com/AleutianAI/beaconspace/services/beacon/cache"
	"github.com/AleutianAI/beaconspace/services/beacon/codec"
	"github.com/AleutianAI/beaconspace/services/beacon/primes"
	"github.com/AleutianAI/beaconspace/services/beacon/remote"
	"github.com/AleutianAI/beaconspace/services/beacon/storage"
	"github.com/AleutianAI/beaconspace/services/beacon/storage/badger"
	"github.com/AleutianAI/beaconspace/services/beacon/transport"
	"github.com/AleutianAI/beaconspace/services/convergence"
	"github.com/AleutianAI/beaconspace/services/messaging"
)

// Option customizes New.
type Option func(*options)

type options struct {
	kv        storage.KV
	logger    *slog.Logger
	entangler messaging.Entangler
}

// WithKV replaces the on-disk badger store. The caller keeps ownership.
func WithKV(kv storage.KV) Option { return func(o *options) { o.kv = kv } }

// WithLogger sets the logger handed to every service.
func WithLogger(l *slog.Logger) Option { return func(o *options) { o.logger = l } }

// WithEntangler enables the auxiliary pairing path of messaging.
func WithEntangler(e messaging.Entangler) Option { return func(o *options) { o.entangler = e } }

// App is the assembled client.
//
// Thread Safety: the services are safe for concurrent use; Start and Close
// must not race each other.
type App struct {
	Config config.BeaconspaceConfig

	Primes     *primes.Table
	Identity   *codec.Identity
	Engine     *codec.ResonanceEngine
	Transport  transport.Transport
	Dispatcher *transport.Dispatcher
	Remote     *remote.Client
	Cache      *cache.BeaconCache

	Following  *convergence.FollowingService
	Spaces     *convergence.SpacesService
	Membership *convergence.MembershipService
	UserData   *convergence.UserDataService
	Messaging  *messaging.Service

	kv       storage.KV
	ownsKV   bool
	sessions *transport.SessionStore
	logger   *slog.Logger
}

// New builds every service from cfg. Nothing touches the network until
// Start.
//
// Description:
//
//	Opens the badger store under cfg.DataDir (unless WithKV is given),
//	loads or creates the identity seed when cfg.Identity.UserID is set and
//	builds the transport chosen by cfg.Transport and cfg.Environment.
//	Without a user id the engine has no identity and every mutation fails
//	with codec.ErrNoIdentity while reads keep working.
//
// Inputs:
//
//	cfg - Validated configuration.
//	opts - Optional overrides.
//
// Outputs:
//
//	*App - The assembled client. Call Close when done.
//	error - Storage, identity or transport construction failure.
func New(cfg config.BeaconspaceConfig, opts ...Option) (*App, error) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	logger := logging.OrDefault(o.logger)

	a := &App{Config: cfg, kv: o.kv, logger: logger}
	if a.kv == nil {
		bcfg := badger.DefaultConfig(cfg.StorePath())
		bcfg.Logger = logger
		store, err := badger.Open(bcfg)
		if err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
		a.kv = store
		a.ownsKV = true
	}

	a.Primes = primes.NewTable(primes.DefaultCount)
	engineOpts := []codec.EngineOption{codec.WithPrimes(a.Primes), codec.WithLogger(logger)}
	if cfg.Identity.UserID != "" {
		id, err := codec.LoadOrCreateIdentity(cfg.IdentityPath(), cfg.Identity.UserID, cfg.Identity.Username)
		if err != nil {
			a.closeKV()
			return nil, fmt.Errorf("load identity: %w", err)
		}
		a.Identity = id
		engineOpts = append(engineOpts, codec.WithIdentity(id))
	}
	a.Engine = codec.NewResonanceEngine(engineOpts...)

	a.sessions = transport.NewSessionStore(a.kv)
	tr, err := transport.New(transport.Config{
		ServerURL:   cfg.ServerURL,
		UserID:      cfg.Identity.UserID,
		Strategy:    transport.Strategy(cfg.Transport),
		Environment: cfg.Environment,
		Sessions:    a.sessions,
		Logger:      logger,
	})
	if err != nil {
		a.closeKV()
		return nil, err
	}
	a.Transport = tr
	a.Dispatcher = transport.NewDispatcher(tr)
	a.Remote = remote.New(a.Dispatcher, remote.WithLogger(logger))

	cacheOpts := []cache.Option{
		cache.WithStorage(a.kv),
		cache.WithPrimes(a.Primes),
		cache.WithLogger(logger),
	}
	if cfg.Cache.HealInterval > 0 {
		cacheOpts = append(cacheOpts, cache.WithHealInterval(cfg.Cache.HealInterval))
	}
	if cfg.Cache.SaveInterval > 0 {
		cacheOpts = append(cacheOpts, cache.WithSaveInterval(cfg.Cache.SaveInterval))
	}
	a.Cache = cache.New(a.Remote, cacheOpts...)

	deps := convergence.Deps{
		Cache:        a.Cache,
		Engine:       a.Engine,
		Remote:       a.Remote,
		KV:           a.kv,
		DiscoveryTTL: cfg.Cache.DiscoveryTTL,
		Logger:       logger,
	}
	a.Following = convergence.NewFollowingService(deps)
	a.Spaces = convergence.NewSpacesService(deps)
	a.Membership = convergence.NewMembershipService(deps, a.Spaces)
	a.UserData = convergence.NewUserDataService(deps)

	msgOpts := []messaging.Option{messaging.WithLogger(logger)}
	if o.entangler != nil {
		msgOpts = append(msgOpts, messaging.WithEntangler(o.entangler))
	}
	a.Messaging = messaging.New(a.Cache, a.Engine, a.Remote, msgOpts...)
	return a, nil
}

// Start restores the cache snapshot and then loads the prime table and
// connects the transport in parallel. The cache background loops run until
// Close.
//
// A prime table that is still loading when ctx ends is not an error: the
// fallback table stays in use.
func (a *App) Start(ctx context.Context) error {
	n, err := a.Cache.Restore(ctx)
	if err != nil {
		a.logger.Warn("cache snapshot not restored", slog.String("error", err.Error()))
	} else if n > 0 {
		a.logger.Info("cache snapshot restored", slog.Int("beacons", n))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := a.Primes.Load(gctx); err != nil {
			a.logger.Debug("prime table still loading", slog.String("error", err.Error()))
		}
		return nil
	})
	g.Go(func() error {
		if err := a.Transport.Connect(gctx); err != nil {
			return fmt.Errorf("connect %s transport: %w", a.Transport.Name(), err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}

	a.Cache.Start(context.WithoutCancel(ctx))
	a.logger.Info("beaconspace client started",
		slog.String("transport", a.Transport.Name()),
		slog.String("user_id", a.Config.Identity.UserID),
		slog.Bool("primes_ready", a.Primes.Ready()))
	return nil
}

// Close waits for in-flight auxiliary work, flushes the cache, disconnects
// and closes the store it opened.
func (a *App) Close(ctx context.Context) error {
	a.Messaging.Wait()
	a.Following.Close()
	var errs []error
	if err := a.Cache.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close cache: %w", err))
	}
	a.Transport.Disconnect()
	if err := a.closeKV(); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}
	return errors.Join(errs...)
}

// FlushOnCancel saves the cache snapshot as soon as ctx is cancelled, so
// an interrupted command keeps what it fetched even if Close never runs.
// The returned stop reports false once the flush has started.
func (a *App) FlushOnCancel(ctx context.Context, timeout time.Duration) (stop func() bool) {
	return context.AfterFunc(ctx, func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := a.Cache.Flush(flushCtx); err != nil {
			a.logger.Warn("flush on cancel failed", "error", err)
			return
		}
		a.logger.Debug("cache flushed on cancel")
	})
}

// Logout forgets the persisted session and empties the cache.
func (a *App) Logout(ctx context.Context) error {
	a.Transport.Disconnect()
	if err := a.sessions.Clear(ctx); err != nil {
		return fmt.Errorf("clear session: %w", err)
	}
	return a.Cache.Clear(ctx)
}

func (a *App) closeKV() error {
	if !a.ownsKV {
		return nil
	}
	a.ownsKV = false
	if c, ok := a.kv.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}
