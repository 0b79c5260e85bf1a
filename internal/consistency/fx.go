package consistency

import (
	"github.com/smallbiznis/rentway/internal/consistency/service"
	"go.uber.org/fx"
)

var Module = fx.Module("consistency.service",
	fx.Provide(service.New),
)
