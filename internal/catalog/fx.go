package catalog

import (
	"context"

	catalogdomain "github.com/smallbiznis/binaryplan/internal/catalog/domain"
	"github.com/smallbiznis/binaryplan/internal/catalog/repository"
	"github.com/smallbiznis/binaryplan/internal/catalog/service"
	"github.com/smallbiznis/binaryplan/internal/config"
	"go.uber.org/fx"
)

var Module = fx.Module("catalog.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
	fx.Invoke(seedOnStart),
)

func seedOnStart(lc fx.Lifecycle, cfg config.Config, svc catalogdomain.Service) {
	if !cfg.SeedCatalog {
		return
	}
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return svc.Seed(ctx)
		},
	})
}
