// Package contracts embeds the HTTP and queue contracts shared by the api and worker binaries.
package contracts

import _ "embed"

// APISpec is the OpenAPI document validated by the api server request middleware.
//
//go:embed api.yaml
var APISpec []byte

// JobMessageSchema is the JSON Schema every provisioning queue message must satisfy.
//
//go:embed job_message.schema.json
var JobMessageSchema string
