// Package config loads and validates parley-relay configuration from YAML
// files, with ${VAR} environment expansion and duration string parsing.
package config
