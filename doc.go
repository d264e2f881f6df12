// Package strataflow is a connector and sync orchestration engine: it pulls
// records from pluggable source systems, tracks incremental cursors durably,
// and lands the data in a layered warehouse with full run auditing.
//
// # Architecture
//
// StrataFlow is organized around four cooperating pieces:
//
// 1. Source connectors: pluggable extractors behind a factory registry.
// Each connector knows how to fetch records from one kind of system and
// stamp them with a cursor value for incremental progress.
//
// 2. Sync state: a durable store of the last committed cursor per
// (connector, stream) pair. Cursors only move forward; rewinding requires
// an explicit, audited reset.
//
// 3. Scheduler: cron-driven and manual triggers feeding a bounded worker
// pool, with at most one run in flight per connector at any time.
//
// 4. Orchestrator: drives a single run end to end. For each stream it
// extracts batches, writes the raw layer, applies enrichment, writes the
// validated layer, versions the business layer, and commits the cursor
// only after everything else has landed.
//
// # Structure
//
//	cmd/strataflow   - CLI entry point (run, serve, list, version)
//	pkg/connector    - Core interfaces, registry, retry base, sources
//	pkg/state        - Sync state and run history (SQLite)
//	pkg/warehouse    - Raw / validated / business layer writer
//	pkg/enrichment   - Enrichment hooks and lineage sinks
//	pkg/scheduler    - Cron scheduling and single-flight admission
//	pkg/orchestrator - Per-run sequencing and commit
//	pkg/service      - Connector lifecycle facade
//	pkg/config       - Connector and service configuration
//	pkg/errors       - Structured error handling
//	pkg/logger       - Structured logging
//	pkg/metrics      - Prometheus metrics
//	pkg/pool         - Record and buffer pooling
//
// # Connectors
//
// Available source connectors:
//   - PostgreSQL (cursor-based incremental)
//   - MySQL (cursor-based incremental)
//   - REST APIs (paginated JSON, OAuth2 or bearer auth)
//   - Google Sheets (full snapshot)
//   - CRM objects (HubSpot-style paging)
//
// All layers land in SQLite tables named <layer>__<connector>__<stream>.
// Raw and validated writes deduplicate on a content hash, so re-running a
// window after a crash never produces duplicates. The business layer keeps
// type-2 history per business key.
//
// # Configuration
//
// Connectors are declared in YAML with ${VAR_NAME} environment
// substitution:
//
//	name: orders
//	type: postgres
//	connection:
//	  params:
//	    dsn: ${ORDERS_DSN}
//	streams:
//	  - name: orders
//	    cursor_field: updated_at
//	    business_keys: [order_id]
//
// # Usage
//
// Run a single connector once:
//
//	strataflow run -c connectors/orders.yaml
//
// Start the scheduling service:
//
//	strataflow serve --config-dir connectors --db strataflow.db
package strataflow
