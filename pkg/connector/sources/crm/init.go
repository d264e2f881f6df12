package crm

import (
	"github.com/strataflow/strataflow/pkg/connector/registry"
)

func init() {
	registry.MustRegister("crm", NewCRMSource)
}
