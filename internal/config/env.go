package config

import (
	"os"
	"strings"
)

// Environment variables that override file values. Secrets and endpoints
// usually arrive this way (or through .env) rather than in the config file.
const (
	EnvStorageDSN         = "GROUPCAST_STORAGE_DSN"
	EnvGatewayToken       = "GROUPCAST_GATEWAY_TOKEN"
	EnvGatewayInstanceID  = "GROUPCAST_GATEWAY_INSTANCE_ID"
	EnvGatewayEndpoint    = "GROUPCAST_GATEWAY_ENDPOINT"
	EnvGatewayClientToken = "GROUPCAST_GATEWAY_CLIENT_TOKEN"
	EnvQueueURL           = "GROUPCAST_QUEUE_URL"
	EnvHTTPAddr           = "GROUPCAST_HTTP_ADDR"
	EnvHTTPToken          = "GROUPCAST_HTTP_TOKEN"
)

// ApplyEnv overlays non-empty environment values onto cfg. A nil getenv
// reads the process environment.
func ApplyEnv(cfg *Config, getenv func(string) string) {
	if cfg == nil {
		return
	}
	if getenv == nil {
		getenv = os.Getenv
	}
	set := func(dst *string, key string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	set(&cfg.Storage.DSN, EnvStorageDSN)
	set(&cfg.Gateway.Token, EnvGatewayToken)
	set(&cfg.Gateway.InstanceID, EnvGatewayInstanceID)
	set(&cfg.Gateway.Endpoint, EnvGatewayEndpoint)
	set(&cfg.Gateway.ClientToken, EnvGatewayClientToken)
	set(&cfg.Queue.URL, EnvQueueURL)
	set(&cfg.HTTP.Addr, EnvHTTPAddr)
	set(&cfg.HTTP.Token, EnvHTTPToken)
}
