// Package schemasassets provides embedded JSON schemas.
//
// Schemas are embedded at compile time so validation works in installed
// binaries regardless of the working directory.
package schemasassets

import _ "embed"

// ConfigSchema is the embedded schema for the decoded service configuration.
//
// Durations appear as integer nanoseconds, matching encoding/json's
// rendering of time.Duration.
//
//go:embed config.schema.json
var ConfigSchema []byte
