package volume

import (
	"github.com/smallbiznis/binaryplan/internal/volume/repository"
	"github.com/smallbiznis/binaryplan/internal/volume/service"
	"go.uber.org/fx"
)

var Module = fx.Module("volume.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
