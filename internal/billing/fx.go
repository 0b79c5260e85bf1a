package billing

import (
	billingdomain "github.com/smallbiznis/rentway/internal/billing/domain"
	"github.com/smallbiznis/rentway/internal/billing/repository"
	"github.com/smallbiznis/rentway/internal/billing/service"
	meterdomain "github.com/smallbiznis/rentway/internal/meter/domain"
	"go.uber.org/fx"
)

var Module = fx.Module("billing.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.New),
	fx.Provide(
		func(s *service.Service) billingdomain.Service { return s },
		func(s *service.Service) meterdomain.AutoBiller { return s },
	),
)
