// Package config handles configuration loading for coven-chat.
//
// # Overview
//
// Configuration is loaded from a YAML file (or TOML, when the file name ends
// in .toml) with environment variable expansion, defaults, and validation.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from COVEN_CHAT_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/coven/chat.yaml
//  3. ~/.config/coven/chat.yaml
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  jwt_secret: "${COVEN_JWT_SECRET}"
//
// Unset variables expand to the empty string.
//
// # Configuration Sections
//
//	server:
//	  http_addr: "0.0.0.0:8080"
//
//	tailscale:
//	  enabled: false
//	  hostname: "coven-chat"
//	  auth_key: "${TS_AUTHKEY}"
//	  https: true                       # TLS on :443 with tailnet certs
//	  funnel: false                     # public HTTPS, implies https
//
//	database:
//	  driver: "sqlite"                  # sqlite or postgres
//	  path: "/var/lib/coven/chat.db"
//	  dsn: "${DATABASE_URL}"            # postgres only
//
//	auth:
//	  jwt_secret: "${COVEN_JWT_SECRET}" # at least 32 bytes
//
//	bus:
//	  backend: "local"                  # local or nats
//	  nats_url: "nats://127.0.0.1:4222"
//	  subject_prefix: "coven.chat"
//
//	presence:
//	  backend: "local"                  # local or redis
//	  redis_url: "redis://127.0.0.1:6379/0"
//	  redis_key: "coven:presence"
//
//	typing:
//	  timeout: "3s"
//
//	messages:
//	  max_content_length: 4000
//	  default_page_size: 50
//	  max_page_size: 100
//
//	realtime:
//	  send_buffer: 128
//	  max_frame_bytes: 65536
//	  write_wait: "10s"
//	  pong_wait: "60s"
//	  ping_period: "54s"
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
// Running more than one process against the same database requires the
// nats bus and the redis presence backend so that events and online counts
// are shared.
package config
