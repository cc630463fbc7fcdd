package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	kmssigner "github.com/bluewhale55/web3-kms-signer"
	"github.com/bluewhale55/web3-kms-signer/gcpkms"
	"github.com/bluewhale55/web3-kms-signer/internal/config"
	"github.com/bluewhale55/web3-kms-signer/metrics"
	"github.com/bluewhale55/web3-kms-signer/openbao"
	"github.com/bluewhale55/web3-kms-signer/pubkeycache"
)

// kmsClient builds the remote backend client. The returned func releases it.
func (a *app) kmsClient(ctx context.Context) (kmssigner.KMSClient, func(), error) {
	switch a.cfg.Backend {
	case config.BackendGCP:
		client, err := gcpkms.NewClient(ctx, a.cfg.GCP)
		if err != nil {
			return nil, nil, err
		}
		return client, func() { _ = client.Close() }, nil
	case config.BackendOpenBao:
		client, err := openbao.NewClient(a.cfg.OpenBao.Client())
		if err != nil {
			return nil, nil, err
		}
		return client, func() {}, nil
	default:
		return nil, nil, fmt.Errorf("backend %q has no remote key management", a.cfg.Backend)
	}
}

// cache builds the configured public key cache, or nil.
func (a *app) cache() (kmssigner.PublicKeyCache, func(), error) {
	switch a.cfg.Cache.Type {
	case config.CacheMemory:
		return pubkeycache.NewMemoryStore(a.cfg.Cache.TTL), func() {}, nil
	case config.CacheRedis:
		redisCfg := a.cfg.Cache.Redis
		redisCfg.TTL = a.cfg.Cache.TTL
		store, err := pubkeycache.NewRedisStore(redisCfg)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { _ = store.Close() }, nil
	default:
		return nil, func() {}, nil
	}
}

// provider builds the instrumented signing provider for the configured
// backend. Releasing it writes the collected metrics when --metrics-out is
// set.
func (a *app) provider(ctx context.Context) (kmssigner.Provider, func(), error) {
	reg := prometheus.NewRegistry()
	m := metrics.NewMetrics(reg)

	if a.cfg.Backend == config.BackendLocal {
		custody, err := kmssigner.NewLocalCustody(a.cfg.Local.Mnemonic, a.cfg.Local.Passphrase)
		if err != nil {
			return nil, nil, err
		}
		return metrics.Instrument(custody, kmssigner.BackendLocal, m), func() { a.writeMetrics(reg) }, nil
	}

	client, closeClient, err := a.kmsClient(ctx)
	if err != nil {
		return nil, nil, err
	}
	cache, closeCache, err := a.cache()
	if err != nil {
		closeClient()
		return nil, nil, err
	}
	release := func() {
		a.writeMetrics(reg)
		closeCache()
		closeClient()
	}

	path := a.cfg.KeyRing
	custody, err := kmssigner.NewRemoteCustody(kmssigner.Config{
		Client: client,
		Path:   &path,
		Cache:  cache,
		Logger: a.logger,
	})
	if err != nil {
		release()
		return nil, nil, err
	}
	return metrics.Instrument(custody, kmssigner.BackendRemote, m), release, nil
}

// writeMetrics dumps reg in the Prometheus text format to --metrics-out.
func (a *app) writeMetrics(reg *prometheus.Registry) {
	if a.metricsOut == "" {
		return
	}
	if err := prometheus.WriteToTextfile(a.metricsOut, reg); err != nil {
		a.logger.Warn("failed to write metrics", slog.String("path", a.metricsOut), slog.String("error", err.Error()))
	}
}

// keyStore opens the local key registry, or returns nil when store_path is
// unset.
func (a *app) keyStore() (*kmssigner.KeyStore, error) {
	if a.cfg.StorePath == "" {
		return nil, nil
	}
	return kmssigner.NewKeyStore(a.cfg.StorePath)
}

// lifecycle builds a key lifecycle manager for the remote backend.
func (a *app) lifecycle(ctx context.Context) (*kmssigner.KeyLifecycleManager, func(), error) {
	client, closeClient, err := a.kmsClient(ctx)
	if err != nil {
		return nil, nil, err
	}

	store, err := a.keyStore()
	if err != nil {
		closeClient()
		return nil, nil, err
	}
	release := func() {
		if store != nil {
			_ = store.Close()
		}
		closeClient()
	}

	manager, err := kmssigner.NewKeyLifecycleManager(client, store, a.logger)
	if err != nil {
		release()
		return nil, nil, err
	}
	if err := manager.SetPath(a.cfg.KeyRing); err != nil {
		release()
		return nil, nil, err
	}
	return manager, release, nil
}
