package cli

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/roach88/replicant/internal/cache"
	"github.com/roach88/replicant/internal/config"
	"github.com/roach88/replicant/internal/consumer"
	"github.com/roach88/replicant/internal/containersync"
	"github.com/roach88/replicant/internal/engine"
	"github.com/roach88/replicant/internal/filesync"
	"github.com/roach88/replicant/internal/gitfetch"
	"github.com/roach88/replicant/internal/lease"
	"github.com/roach88/replicant/internal/metrics"
	"github.com/roach88/replicant/internal/objstore"
	"github.com/roach88/replicant/internal/primary"
	"github.com/roach88/replicant/internal/registry"
	"github.com/roach88/replicant/internal/removal"
	"github.com/roach88/replicant/internal/reposync"
	"github.com/roach88/replicant/internal/scheduler"
	"github.com/roach88/replicant/internal/store"
)

// node is a fully wired secondary.
type node struct {
	engine  *engine.Engine
	metrics *metrics.Metrics
}

// buildNode assembles every service of a secondary around st.
func buildNode(cfg config.Config, st *store.Store) (*node, error) {
	paths := objstore.PathResolver{
		RepositoriesRoot: cfg.Storage.RepositoriesRoot,
		FilesRoot:        cfg.Storage.FilesRoot,
	}
	layout := objstore.Layout{PathResolver: paths, Disk: st}

	var remote *objstore.Minio
	if mc, ok := cfg.Storage.Minio.Client(); ok {
		m, err := objstore.NewMinio(mc)
		if err != nil {
			return nil, fmt.Errorf("object store: %w", err)
		}
		remote = m
	}
	storage := objstore.NewStorage(remote)

	caches := cache.New(cfg.Cache.TTL, time.Now)
	client, err := primary.NewClient(cfg.Primary.URL, cfg.Node.Name, []byte(cfg.Primary.Secret),
		primary.WithHTTPClient(&http.Client{Timeout: cfg.Primary.Timeout}),
		primary.WithCache(caches),
	)
	if err != nil {
		return nil, err
	}

	guard := lease.NewGuard(st.Leases(), cfg.Lease.TTL)
	housekeeper := gitfetch.NewHousekeeper(cfg.Housekeeping.PruneAge)
	m := metrics.New()
	sched := scheduler.New(st, scheduler.NewCapacity(cfg.Capacity.MaxInFlight), cfg.Backoff.Params())

	repos := reposync.New(reposync.Deps{
		Store:       st,
		Guard:       guard,
		Locator:     locator{layout: layout, primary: client},
		Fetcher:     gitfetch.Fetcher{},
		Primary:     client,
		Housekeeper: housekeeper,
		Caches:      caches,
	})
	files := filesync.New(filesync.Deps{
		Store:      st,
		Guard:      guard,
		Resolver:   paths,
		Downloader: client,
		Placer:     storage,
		TempDir:    cfg.Storage.TempDir,
	})

	syncers := map[registry.Type]engine.Syncer{
		registry.TypeRepository:  repos,
		registry.TypeWiki:        repos,
		registry.TypeUpload:      files,
		registry.TypeLfsObject:   files,
		registry.TypeJobArtifact: files,
	}
	if cfg.Registry.Primary != "" && cfg.Registry.Secondary != "" {
		syncers[registry.TypeContainerRepository] = containersync.New(containersync.Deps{
			Store:             st,
			Guard:             guard,
			Paths:             st,
			PrimaryRegistry:   cfg.Registry.Primary,
			SecondaryRegistry: cfg.Registry.Secondary,
			Insecure:          cfg.Registry.Insecure,
		})
	}

	cons := consumer.New(consumer.Deps{
		Name:    cfg.Node.Name,
		Store:   st,
		Pending: sched,
		Remover: removal.New(st, guard, layout, storage),
		Paths:   paths,
		Cache:   caches,
		Metrics: m,
	})

	eng := engine.New(engine.Config{
		Node:           cfg.Node.Name,
		PollInterval:   cfg.Poll.Interval,
		BatchSize:      cfg.Poll.BatchSize,
		StatusInterval: cfg.Status.Interval,
	}, engine.Deps{
		Consumer:   cons,
		Scheduler:  sched,
		Syncers:    syncers,
		Status:     st,
		Reporter:   client,
		Background: []engine.Waiter{housekeeper},
		Metrics:    m,
	})

	return &node{engine: eng, metrics: m}, nil
}

// credentialer issues git credentials for a replicable.
type credentialer interface {
	CloneURL(key registry.Key) string
	Credentials(key registry.Key) (username, password string, err error)
}

// locator places a repository: the URL and credentials come from the
// primary, the local path from the storage layout.
type locator struct {
	layout  objstore.Layout
	primary credentialer
}

var _ reposync.Locator = locator{}

func (l locator) Locate(ctx context.Context, key registry.Key) (reposync.Repo, error) {
	path, err := l.layout.Locate(ctx, key)
	if err != nil {
		return reposync.Repo{}, err
	}
	user, pass, err := l.primary.Credentials(key)
	if err != nil {
		return reposync.Repo{}, fmt.Errorf("credentials for %s: %w", key, err)
	}
	return reposync.Repo{
		Key:      key,
		URL:      l.primary.CloneURL(key),
		Path:     path,
		Username: user,
		Password: pass,
	}, nil
}
