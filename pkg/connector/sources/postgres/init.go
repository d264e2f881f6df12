package postgres

import (
	"github.com/strataflow/strataflow/pkg/connector/registry"
)

func init() {
	// Register the PostgreSQL source connector
	registry.MustRegister("postgres", NewPostgresSource)
}
