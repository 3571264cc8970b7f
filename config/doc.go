// Package config loads the process configuration.
//
// Configuration is layered: defaults, then each file in order, then MAPE_*
// environment variables. Files are YAML unless their extension is .json. A
// layer only overrides the fields it sets:
//
//	loader := config.NewLoader()
//	loader.AddLayer("mapeflow.yaml")
//	loader.AddLayer("local.yaml")
//	cfg, err := loader.Load()
//
// Durations accept Go syntax plus a day suffix ("30s", "2m", "1d").
//
// Environment overrides:
//
//	MAPE_LOG_LEVEL, MAPE_LOG_FORMAT
//	MAPE_REDIS_URL, MAPE_REDIS_PASSWORD, MAPE_REDIS_DB
//	MAPE_NATS_URL, MAPE_NATS_SUBJECT_PREFIX
//	MAPE_REST_HOST_PORT, MAPE_REST_BASE_URL
//	MAPE_METRICS_ENABLED, MAPE_METRICS_PORT
//	MAPE_PUBSUB_TRANSPORT, MAPE_PUBSUB_CODEC
package config
