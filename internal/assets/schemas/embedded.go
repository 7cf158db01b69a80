// Package schemasassets provides embedded JSON schemas so that validation works
// in installed binaries regardless of the working directory.
package schemasassets

import _ "embed"

// ApplicationManifestSchema is the embedded application-manifest JSON schema.
//
//go:embed application-manifest.schema.json
var ApplicationManifestSchema []byte
