// Package crawler implements the listings harvesting engine: the session
// controller that discovers result links by scroll pagination, the detail
// extractor that turns each link into a BusinessRecord, and the shared types
// and collaborator interfaces the rest of the service plugs into.
package crawler
