// Package config loads tollgate configuration from TOLLGATE_* environment
// variables, optionally seeded from a .env file (TOLLGATE_ENV_FILE).
//
// Server:
//
//	TOLLGATE_PORT="8080"
//	TOLLGATE_HEALTH_PORT="9090"
//
// Storage:
//
//	TOLLGATE_STORAGE_TYPE="postgres"  # memory, postgres
//	TOLLGATE_POSTGRES_URL="postgres://tollgate@localhost/tollgate?sslmode=disable"
//	TOLLGATE_REDIS_URL="redis://localhost:6379/0"
//
// Billing:
//
//	TOLLGATE_ENFORCEMENT_ENABLED="true"
//	TOLLGATE_PRODUCTION_MODE="true"   # requires webhook, admin and gateway secrets
//	TOLLGATE_WEBHOOK_SECRET="..."
//	TOLLGATE_ADMIN_SECRET="..."
//	TOLLGATE_SCHEDULER_SCHEDULE="0 0 * * *"
//	TOLLGATE_LOOKAHEAD_WINDOW="24h"
//	TOLLGATE_CHARGE_TIMEOUT="30s"
//	TOLLGATE_MAX_CONCURRENT_CHARGES="4"
//	TOLLGATE_PLAN_CATALOG_PATH="/etc/tollgate/plans.yaml"
//
// Gateway:
//
//	TOLLGATE_GATEWAY_BASE_URL="https://api.tosspayments.com"
//	TOLLGATE_GATEWAY_SECRET_KEY="..."
//
// Values that fail to parse fall back to their defaults; the assembled
// configuration is validated by LoadConfig.
package config
