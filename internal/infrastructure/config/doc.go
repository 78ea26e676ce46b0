// Package config loads and validates Coffer's deployment configuration.
//
// Configuration comes from a YAML file with environment variable overrides
// (COFFER_* pattern). The loaded Config is immutable after startup and is
// passed by reference into every component that needs token TTLs, enabled
// second-factor providers, or key paths — there is no global configuration
// singleton.
package config
