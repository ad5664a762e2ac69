// Package config handles configuration loading for clawhost.
//
// Configuration is loaded from YAML files with environment variable
// expansion (${VAR_NAME} syntax) and Go duration parsing for fields like
// relay.idle_timeout and gateway.start_timeout. Missing optional values
// fall back to the hosted-gateway defaults (port 18789, 1MB relay frames,
// 30 minute idle budget, 7 day sessions).
//
// Default config location (in order):
//
//  1. Path from CLAWHOST_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/clawhost/clawhost.yaml
//  3. ~/.config/clawhost/clawhost.yaml
package config
