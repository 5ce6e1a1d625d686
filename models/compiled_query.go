package models

// CompiledQuery is the deterministic output of the SQL compiler.
type CompiledQuery struct {
	SQL            string   `json:"sql"`
	Fields         []string `json:"fields"` // referenced fields, sorted
	Tables         []string `json:"tables"` // referenced tables, sorted
	CatalogVersion string   `json:"catalog_version"`
	CatalogDigest  string   `json:"catalog_digest,omitempty"`

	// Canonical is the byte form hashed into the evidence pack.
	Canonical []byte `json:"-"`
}
