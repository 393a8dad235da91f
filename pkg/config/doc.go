// Package config loads the service configuration from built-in defaults, an
// optional YAML file, and the TOKEN_SECRET, STORAGE and PORT environment
// variables, in that order of precedence.
package config
