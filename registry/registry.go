// Package registry implements the client for the public CNPJá company
// registry API (https://open.cnpja.com). The API exposes one relevant
// endpoint, GET /office/{cnpj}, and caps anonymous traffic at 5 requests
// per minute per IP. Pacing is the fetcher's job, not this package's.
package registry

import "time"

// Company is the enrichment payload for one CNPJ. Simples and Simei carry
// the Simples Nacional / SIMEI option status as "Sim", "Não", or "" when
// the registry did not report it.
type Company struct {
	CNPJ        string    `json:"cnpj"`
	LegalName   string    `json:"legal_name"`
	Simples     string    `json:"simples"`
	Simei       string    `json:"simei"`
	ConsultedAt time.Time `json:"consulted_at"`
}
