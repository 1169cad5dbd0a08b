package app

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	artifactcache "copyflow/internal/cache/artifact"
	"copyflow/internal/gateway/config"
	artifactrepo "copyflow/internal/gateway/repository/artifact"
)

type gatewayStores struct {
	runs     artifactrepo.RunStore
	artifact artifactrepo.Store
	close    func() error
}

func initStores(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*gatewayStores, error) {
	s3Factory := newArtifactS3StoreFactory(cfg, logger)

	if strings.EqualFold(cfg.Store.Driver, "postgres") {
		return initPostgresStores(ctx, cfg, s3Factory, logger)
	}
	return initInMemoryStores(cfg, s3Factory, logger)
}

func newArtifactS3StoreFactory(cfg *config.Config, logger *zap.Logger) func() (artifactrepo.Store, error) {
	return func() (artifactrepo.Store, error) {
		s3Cfg := artifactrepo.S3Config{
			Endpoint:  cfg.Artifacts.Endpoint,
			Region:    cfg.Artifacts.Region,
			AccessKey: cfg.Artifacts.AccessKey,
			SecretKey: cfg.Artifacts.SecretKey,
			Bucket:    cfg.Artifacts.Bucket,
			UseSSL:    cfg.Artifacts.UseSSL,
		}
		s3Store, err := artifactrepo.NewS3Store(s3Cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize artifact s3 store: %w", err)
		}
		logger.Info("artifact store: s3", zap.String("bucket", s3Cfg.Bucket), zap.String("endpoint", s3Cfg.Endpoint))
		return s3Store, nil
	}
}

func initPostgresStores(ctx context.Context, cfg *config.Config, s3Factory func() (artifactrepo.Store, error), logger *zap.Logger) (*gatewayStores, error) {
	pg, err := artifactrepo.OpenPostgres(cfg.Store.DSN)
	if err != nil {
		return nil, err
	}
	if err := pg.Migrate(ctx); err != nil {
		_ = pg.Close()
		return nil, err
	}
	artifactStore, err := chooseArtifactStore(cfg, pg, "postgres", s3Factory, logger)
	if err != nil {
		_ = pg.Close()
		return nil, err
	}
	logger.Info("run store: postgres")
	return &gatewayStores{runs: pg, artifact: artifactStore, close: pg.Close}, nil
}

func initInMemoryStores(cfg *config.Config, s3Factory func() (artifactrepo.Store, error), logger *zap.Logger) (*gatewayStores, error) {
	mem := artifactrepo.NewMemoryStore()
	artifactStore, err := chooseArtifactStore(cfg, mem, "in-memory", s3Factory, logger)
	if err != nil {
		return nil, err
	}
	return &gatewayStores{runs: mem, artifact: artifactStore, close: func() error { return nil }}, nil
}

func chooseArtifactStore(
	cfg *config.Config,
	fallback artifactrepo.Store,
	fallbackLabel string,
	s3Factory func() (artifactrepo.Store, error),
	logger *zap.Logger,
) (artifactrepo.Store, error) {
	var origin artifactrepo.Store
	if strings.EqualFold(cfg.Artifacts.Backend, "s3") && cfg.Artifacts.CanUseS3() {
		s3Store, err := s3Factory()
		if err != nil {
			return nil, err
		}
		origin = s3Store
	} else {
		if strings.EqualFold(cfg.Artifacts.Backend, "s3") {
			logger.Warn("artifact store: s3 config incomplete, using fallback", zap.String("fallback", fallbackLabel))
		}
		origin = fallback
	}
	if origin == nil {
		return nil, fmt.Errorf("artifact origin store is nil")
	}
	cacheCfg := artifactcache.DefaultCacheConfig()
	if cfg.Artifacts.CacheSize > 0 {
		cacheCfg.MaxEntries = cfg.Artifacts.CacheSize
	}
	if cfg.Artifacts.CacheTTL > 0 {
		cacheCfg.TTL = cfg.Artifacts.CacheTTL
	}
	return artifactcache.NewCachedStore(origin, cacheCfg), nil
}
