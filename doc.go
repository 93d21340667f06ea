// Package optantes provides a rate-limited batch enrichment engine for
// Brazilian CNPJ tax identifiers. It turns a list of CNPJs into company
// data fetched from the public CNPJá registry, orchestrating long-running
// jobs against a source that allows only a handful of requests per minute.
//
// Optantes is designed as a library, not a service. Import it, configure a
// cache backend, and submit batches to the engine; cmd/optantesd wraps the
// library in an HTTP server.
//
// # Quick Start
//
//	store, _ := sqlite.New("data/cache.db")
//	f := fetcher.New(registry.NewHTTPClient(), store, 12*time.Second)
//	eng := engine.New(f, stream.NewBroker(logger))
//	jobID, _ := eng.Submit(ctx, cnpjs, engine.SubmitOptions{OutputFormat: "xlsx"})
//
// # Architecture
//
// Each subsystem is a small package with an explicit contract: cache is a
// dumb durable key/value store, fetcher owns the process-wide rate limit
// and cache freshness, engine owns job lifecycle and cancellation, stream
// fans progress snapshots out to subscribers, and artifact serializes
// results. The cache is the only state that must survive a restart; jobs
// themselves are in-memory, and resubmitting the same identifiers against
// a warm cache skips every still-fresh lookup.
package optantes
