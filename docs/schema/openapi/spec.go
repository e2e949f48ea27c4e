// Package openapi embeds the OpenAPI description of the eventcore HTTP API.
package openapi

import _ "embed"

// EventcoreSpec contains the OpenAPI document served at /openapi.yaml.
//
//go:embed eventcore.yaml
var EventcoreSpec []byte

// Spec returns a defensive copy of the embedded OpenAPI YAML.
func Spec() []byte {
	return append([]byte(nil), EventcoreSpec...)
}
