package runreport

import _ "embed"

// ManifestSchema is the JSON schema every run report must satisfy before a
// consumer trusts it.
//
//go:embed run_report.schema.json
var ManifestSchema []byte

// PointerSchema validates pointer documents read from local or remote stores.
//
//go:embed pointer.schema.json
var PointerSchema []byte
