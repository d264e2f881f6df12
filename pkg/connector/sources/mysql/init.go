package mysql

import (
	"github.com/strataflow/strataflow/pkg/connector/registry"
)

func init() {
	// Register the MySQL source connector
	registry.MustRegister("mysql", NewMySQLSource)
}
