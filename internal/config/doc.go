// Package config handles configuration loading for cardbox-gateway.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable expansion.
// The package provides validation and sensible defaults.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	upstream:
//	  credentials:
//	    api_key: "${CARDBOX_API_KEY}"
//
// Syntax: ${VAR_NAME}
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	sessions:
//	  ttl: "30m"
//	  keep_alive_interval: "15s"
//
// Supported units: ns, us, ms, s, m, h
//
// # Configuration Sections
//
// Server settings:
//
//	server:
//	  http_addr: "0.0.0.0:8080"
//	  allowed_hosts: ["cardbox.example.com", "localhost"]
//	  name: "cardbox-gateway"
//	  version: "1.0.0"
//
// Upstream content API:
//
//	upstream:
//	  base_url: "https://api.cardbox.example.com"
//	  issuer: "https://api.cardbox.example.com"
//	  jwks_ttl: "1h"
//	  credentials:
//	    username: "${CARDBOX_USER}"
//	    password: "${CARDBOX_PASSWORD}"
//
// Audit:
//
//	audit:
//	  enabled: true
//	  path: "/var/lib/cardbox/audit.db"
//
// Tailscale:
//
//	tailscale:
//	  enabled: false
//	  hostname: "cardbox-gateway"
//	  auth_key: "${TS_AUTHKEY}"
//	  funnel: false
//
// Logging:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
// # Usage
//
// Load configuration:
//
//	cfg, err := config.Load("/etc/cardbox/gateway.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
package config
