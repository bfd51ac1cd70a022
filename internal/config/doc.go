// Package config loads the YAML router configuration: the listen address
// and the server pools with their hash, distribution and ejection settings.
package config
