// Package defaults embeds the starter configuration written by
// parley init.
package defaults

import _ "embed"

// ConfigYAML is the commented example configuration.
//
//go:embed config.example.yaml
var ConfigYAML []byte
