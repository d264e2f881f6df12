package sheets

import (
	"github.com/strataflow/strataflow/pkg/connector/registry"
)

func init() {
	registry.MustRegister("sheets", NewSheetsSource)
}
