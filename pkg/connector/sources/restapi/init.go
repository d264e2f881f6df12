package restapi

import (
	"github.com/strataflow/strataflow/pkg/connector/registry"
)

func init() {
	registry.MustRegister("restapi", NewRestAPISource)
}
