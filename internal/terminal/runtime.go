package terminal

import (
	"context"
	"net/url"
	"path/filepath"
	"time"

	"github.com/caissapos/caissa/internal/session"
	"github.com/caissapos/caissa/internal/store"
	"github.com/caissapos/caissa/internal/tabsync"
	"github.com/caissapos/caissa/pkg/bus"
	"github.com/caissapos/caissa/pkg/libcaissa"
	"github.com/caissapos/caissa/pkg/resilient"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const (
	profiledb = "profile.db"
	channel   = "caissa:coordination"
)

// A Runtime wires the full session core of one terminal. It is the
// composition root; every sub-component is owned and closed by it.
type Runtime struct {
	Config       Config
	Logger       *logrus.Logger
	KV           store.KV
	Store        *store.Store
	Transport    tabsync.Transport
	Coordinator  *tabsync.Coordinator
	Monitor      *resilient.Monitor
	Executor     *resilient.Executor
	Client       libcaissa.Client
	Bus          *bus.Bus
	Orchestrator *session.Orchestrator

	rdb    *redis.Client
	cancel context.CancelFunc
}

// Open composes the session core over the given profile directory.
func Open(profile string) (*Runtime, error) {
	cfg, err := Load(profile)
	if err != nil {
		return nil, err
	}

	logger := NewLogger(profile)

	kv, err := store.OpenStorm(filepath.Join(profile, profiledb))
	if err != nil {
		return nil, errors.Wrap(err, "could not open profile store")
	}

	client, err := libcaissa.NewDefaultClient(cfg.Endpoint)
	if err != nil {
		kv.Close()
		return nil, errors.Wrap(err, "could not reach given endpoint")
	}

	r := &Runtime{
		Config: cfg,
		Logger: logger,
		KV:     kv,
		Client: client,
		Bus:    bus.New("session", 16),
	}

	r.Store = store.New(store.Config{
		KV:     kv,
		Logger: logger,
	})

	// The coordination channel degrades to polling the shared profile store
	// when no redis address is configured.
	if cfg.Redis != "" {
		r.rdb = redis.NewClient(&redis.Options{Addr: cfg.Redis})
		r.Transport, err = tabsync.NewRedisTransport(r.rdb, channel, logger)
		if err != nil {
			logger.WithError(err).Warn("could not reach redis, falling back to storage polling")
			r.rdb.Close()
			r.rdb = nil
			r.Transport = nil
		}
	}
	if r.Transport == nil {
		r.Transport = tabsync.NewStorageTransport(kv, 0, logger)
	}

	r.Coordinator = tabsync.New(tabsync.Config{
		Transport: r.Transport,
		Election:  tabsync.RandomizedElection{},
		Logger:    logger,
	})

	r.Monitor = resilient.NewMonitor()
	r.Executor = resilient.New(resilient.Config{Logger: logger}, r.Monitor)

	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	if addr := probeAddr(cfg.Endpoint); addr != "" {
		go r.Monitor.Probe(ctx, addr, 30*time.Second)
	}

	r.Orchestrator = session.New(session.Config{
		Store:       r.Store,
		Coordinator: r.Coordinator,
		Executor:    r.Executor,
		Client:      client,
		Bus:         r.Bus,
		Logger:      logger,
	})

	return r, nil
}

// Close tears the runtime down, flushing pending writes.
func (r *Runtime) Close() error {
	r.cancel()
	r.Orchestrator.Destroy()
	r.Coordinator.Destroy()
	if err := r.Transport.Close(); err != nil {
		r.Logger.WithError(err).Warn("could not close coordination channel")
	}
	if r.rdb != nil {
		r.rdb.Close()
	}
	r.Bus.Close()
	return r.KV.Close()
}

// probeAddr derives the connectivity probe address from the API endpoint.
func probeAddr(endpoint string) string {
	u, err := url.Parse(endpoint)
	if err != nil || u.Host == "" {
		return ""
	}
	if u.Port() != "" {
		return u.Host
	}
	if u.Scheme == "https" {
		return u.Host + ":443"
	}
	return u.Host + ":80"
}
