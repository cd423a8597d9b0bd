// Package config loads orchestrator configuration from an optional YAML
// file and environment variables. Environment values win over file values.
package config
