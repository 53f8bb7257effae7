// Command pypimirrord runs the PyPI mirror core as a standalone process: a
// change-log loop keeping a MirrorRegistry caught up with upstream, and a
// Stage usable by an embedding HTTP handler (not included here; wiring an
// HTTP frontend onto Stage.GetReleaseLinks is left to the embedder, per the
// scope of this module).
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/quay/pypimirror/datastore/postgres"
	"github.com/quay/pypimirror/mirror"
	"github.com/quay/pypimirror/mirror/registry"
	"github.com/quay/pypimirror/mirror/simpleindex"
	"github.com/quay/pypimirror/mirror/updates"
	distlockpg "github.com/quay/pypimirror/pkg/distlock/postgres"
	"github.com/quay/pypimirror/pkg/xmlrpc"
)

// config holds the handful of settings this command reads from the
// environment. A real deployment would likely layer a flag or env-var
// parsing library on top; this command exists to demonstrate wiring, not to
// be a complete CLI, so it reads four environment variables directly.
type config struct {
	DatabaseURL  string
	RegistryDir  string
	UpstreamHost string
	Replica      bool
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func loadConfig() config {
	return config{
		DatabaseURL:  envOr("PYPIMIRROR_DATABASE_URL", "postgres:///pypimirror"),
		RegistryDir:  envOr("PYPIMIRROR_REGISTRY_DIR", "/var/lib/pypimirror"),
		UpstreamHost: envOr("PYPIMIRROR_UPSTREAM", "https://pypi.python.org"),
		Replica:      os.Getenv("PYPIMIRROR_REPLICA") == "true",
	}
}

// xmlrpcChangelogAdapter adapts *xmlrpc.Client to updates.XMLRPCClient,
// which declares its own ChangeEntry type so that package doesn't need to
// import pkg/xmlrpc just to be testable with a stub.
type xmlrpcChangelogAdapter struct {
	client *xmlrpc.Client
}

func (a xmlrpcChangelogAdapter) ChangelogSinceSerial(ctx context.Context, since int64) ([]updates.ChangeEntry, bool) {
	got, ok := a.client.ChangelogSinceSerial(ctx, since)
	if !ok {
		return nil, false
	}
	out := make([]updates.ChangeEntry, len(got))
	for i, e := range got {
		out[i] = updates.ChangeEntry{
			Name:      e.Name,
			Version:   e.Version,
			Action:    e.Action,
			Timestamp: e.Timestamp,
			Serial:    e.Serial,
		}
	}
	return out, true
}

func main() {
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	ctx = log.Logger.WithContext(ctx)

	if err := run(ctx); err != nil {
		log.Error().Err(err).Msg("pypimirrord exited with error")
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg := loadConfig()

	pool, err := postgres.Connect(ctx, cfg.DatabaseURL, "pypimirrord")
	if err != nil {
		return err
	}
	defer pool.Close()

	reg, err := registry.Open(cfg.RegistryDir)
	if err != nil {
		return err
	}

	httpClient := &http.Client{Timeout: 30 * time.Second}
	rpc := &xmlrpc.Client{
		Endpoint:  cfg.UpstreamHost + "/pypi",
		HTTP:      httpClient,
		UserAgent: "pypimirrord/1 (+https://github.com/quay/pypimirror)",
	}

	if err := reg.Bootstrap(ctx, rpc); err != nil {
		return err
	}

	store := &postgres.Store{Pool: pool}
	notifier := &postgres.Notifier{Pool: pool}

	stage := mirror.NewStage(mirror.Config{
		HTTP:     httpClient,
		BaseURL:  cfg.UpstreamHost + "/simple/",
		Replica:  cfg.Replica,
		Registry: reg,
		Cache:    store,
		Notifier: notifier,
		Crawler:  &simpleindex.Crawler{HTTP: httpClient},
	})
	_ = stage // consumed by an embedding HTTP handler, out of scope here.

	if !cfg.Replica {
		lock := distlockpg.NewPool(pool, 5*time.Second)
		loop := &updates.Loop{
			Registry: reg,
			Client:   xmlrpcChangelogAdapter{client: rpc},
			Cache:    store,
			Notifier: store,
			Lock:     lock,
			LockKey:  "pypimirror-changelog",
			Interval: 10 * time.Second,
		}
		go loop.Start(ctx)
	}

	<-ctx.Done()
	return nil
}
