// Package config loads, validates and persists the YAML configuration
// file that selects discovery methods and transport defaults.
//
// A missing file yields the built-in defaults; an invalid file fails at
// startup rather than mid-scan. Saving is atomic (write to a temporary
// file, then rename).
package config
