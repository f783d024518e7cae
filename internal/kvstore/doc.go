// Package kvstore defines the embedded key-value abstraction shared by the
// metadata index and the deferred mutation queue. A store exposes point
// lookups, all-or-nothing write batches and ordered prefix scans inside named
// buckets; keys compare as raw bytes so callers can encode ordering (for
// example zero-padded timestamps) directly into the key.
//
// Backends live in sub-packages (sqlite, redis); NewMemory provides a
// non-durable implementation for tests and ephemeral runs.
package kvstore
