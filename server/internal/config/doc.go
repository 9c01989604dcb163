// Package config loads the relay configuration from the `server:` section of
// config.yaml.
//
// Config fields:
//   - HTTPPort    : websocket endpoint, REST API and /metrics (default 8080)
//   - GRPCPort    : producer Publisher service (default 50051, 0 disables)
//   - Auth        : producer API key: mode, key_env, header (default "x-api-key")
//   - Handshake   : client credentials: cookie_name, query_param, secret_env, token_db
//   - Connections : queue_size, max_frame_bytes, control_rate/burst, ping/pong timing,
//     allowed_origins
//   - Policy      : default effect and ordered topic rules
//   - Alerts      : threshold rules over relay statistics and webhook targets
//
// Load(path) applies defaults before unmarshalling, then validates. Secrets
// (API key, session secret, webhook URLs) are never stored in the file; the
// config names the environment variables that hold them.
//
// Watch(ctx, path, onChange) reloads the file with fsnotify; relayd uses it to
// swap policy rules without a restart.
package config
