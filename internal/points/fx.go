package points

import (
	"github.com/smallbiznis/binaryplan/internal/points/repository"
	"github.com/smallbiznis/binaryplan/internal/points/service"
	"go.uber.org/fx"
)

var Module = fx.Module("points.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
