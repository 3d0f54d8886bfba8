// Package config loads the Pilot runtime configuration from YAML, TOML or
// JSON files, fills in defaults, and applies PILOT_* environment overrides.
package config
