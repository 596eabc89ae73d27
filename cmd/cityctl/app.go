package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"cityflow/analytics"
	"cityflow/audit"
	"cityflow/cache"
	"cityflow/config"
	"cityflow/logging"
	"cityflow/storage"
)

// app holds the lazily opened connections shared by every command.
type app struct {
	stdout io.Writer
	now    func() time.Time

	cfg    *config.Config
	logger *zap.Logger
	store  storage.Store
	cache  *cache.Service
	svc    *analytics.Service

	closers []func()
}

// errPrinted marks an error whose body was already written to stdout.
var errPrinted = errors.New("command failed")

// connect opens the store and cache on first use. A preset store is used
// as is.
func (a *app) connect(ctx context.Context) error {
	if a.svc != nil {
		return nil
	}
	if a.cfg == nil {
		cfg, err := config.LoadConfig()
		if err != nil {
			return err
		}
		a.cfg = cfg
	}
	if a.logger == nil {
		logger, err := logging.New(config.LogConfig{Level: "warn", File: a.cfg.Log.File}, "cityctl")
		if err != nil {
			return err
		}
		a.logger = logger
	}
	if a.store == nil {
		db, err := storage.NewPostgres(ctx, a.cfg.Database.GetDSN())
		if err != nil {
			return err
		}
		a.store = db
		a.closers = append(a.closers, db.Close)
	}
	if a.cache == nil {
		c, err := cache.New(ctx, a.cfg.Redis.URL, a.logger.Named("cache"))
		if err != nil {
			a.logger.Warn("redis unavailable", zap.Error(err))
		}
		a.cache = c
		a.closers = append(a.closers, func() { _ = c.Close() })
	}

	svc, err := analytics.New(analytics.Options{
		Store:  a.store,
		Cache:  a.cache,
		Audit:  audit.NewLogger(a.logger, a.now),
		Config: a.cfg.Analytics,
		Logger: a.logger,
		Now:    a.now,
	})
	if err != nil {
		return err
	}
	a.svc = svc
	return nil
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
	if a.logger != nil {
		_ = a.logger.Sync()
	}
}

func (a *app) printJSON(v any) error {
	enc := json.NewEncoder(a.stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// fail prints the caller-facing error body and returns errPrinted.
func (a *app) fail(err error) error {
	if perr := a.printJSON(analytics.ErrorBody(err)); perr != nil {
		return perr
	}
	if a.logger != nil {
		a.logger.Debug("command failed", zap.Error(err))
	}
	return fmt.Errorf("%w: %w", errPrinted, err)
}

// respond prints v, or the error body when err is set.
func (a *app) respond(v any, err error) error {
	if err != nil {
		return a.fail(err)
	}
	return a.printJSON(v)
}
