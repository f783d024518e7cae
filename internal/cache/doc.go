// Package cache implements the two physically separate cache stores and the
// per-tier service that keeps them consistent. The content store persists
// payloads under StoragePath/content/<partition>/ using temp file + rename,
// the metadata index records write timestamps and headers in a KeyValueStore
// so TTL and eviction decisions never touch payload bytes. Service pairs the
// two: metadata first, content second, compensating delete on failure, lazy
// expiry on read, oldest-first capacity eviction after every write, and
// self-healing of orphaned halves. Writes to one tier are serialized; reads
// run concurrently.
package cache
