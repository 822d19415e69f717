package commands

import (
	"database/sql"

	"github.com/redis/go-redis/v9"

	"github.com/transitops/ingestd/config"
	"github.com/transitops/ingestd/db"
	"github.com/transitops/ingestd/errors"
	"github.com/transitops/ingestd/ingest"
	"github.com/transitops/ingestd/lock"
	"github.com/transitops/ingestd/logger"
	"github.com/transitops/ingestd/quota"
	"github.com/transitops/ingestd/store"
	"github.com/transitops/ingestd/upstream"
)

// app bundles the wiring every non-version subcommand needs.
type app struct {
	cfg      *config.Config
	database *sql.DB
	tasks    *ingest.Tasks
}

func newApp(migrate bool) (*app, error) {
	cfg, err := config.Load(configFlag)
	if err != nil {
		return nil, errors.Wrap(err, "load configuration")
	}

	var database *sql.DB
	if migrate {
		database, err = db.OpenWithMigrations(cfg.SQLitePath, logger.Logger)
	} else {
		database, err = db.Open(cfg.SQLitePath, logger.Logger)
	}
	if err != nil {
		return nil, errors.Wrap(err, "open database")
	}

	st := store.New(database, logger.Logger)
	meter := quota.New(database, cfg.QuotaWindow, cfg.QuotaBytes)

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	locks := lock.NewRegistry(redisClient)

	upstreamClient, err := upstream.New(upstream.Config{
		APIURL:                cfg.APIURL,
		MaxConcurrentRequests: cfg.MaxConcurrentRequests,
	}, meter, st, nil)
	if err != nil {
		return nil, errors.Wrap(err, "construct upstream client")
	}

	tasks := ingest.New(st, locks, upstreamClient, cfg.SameStopLat, cfg.SameStopLon, logger.Logger)

	return &app{cfg: cfg, database: database, tasks: tasks}, nil
}

func (a *app) Close() error {
	return a.database.Close()
}
