// Package config loads, defaults, validates and watches the kvgate YAML
// configuration.
//
// Values of the form ${VAR} or ${VAR:-default} are expanded from the
// environment before decoding. Unknown fields are rejected. Durations are Go
// duration strings.
package config
