// Package harvest defines the core types and interfaces shared by the
// crawl-and-extract pipeline: crawl targets, fetch results, artifact and
// extraction records, ledger entries, and the error taxonomy.
package harvest
