package rank

import (
	"github.com/smallbiznis/binaryplan/internal/rank/repository"
	"github.com/smallbiznis/binaryplan/internal/rank/service"
	"go.uber.org/fx"
)

var Module = fx.Module("rank.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
