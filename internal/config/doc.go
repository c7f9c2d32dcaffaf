// Package config loads the survivald configuration file (YAML or JSON) and
// fills in defaults for every section the operator leaves empty.
package config
