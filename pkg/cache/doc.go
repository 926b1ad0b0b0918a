// Package cache is the Redis-backed product cache.
//
// Single products are stored as Redis hashes under "<hashPrefix>:<id>" (or
// as JSON strings under "<prefix>:single:<id>" when hash mode is off). Cached
// list pages live under "<prefix>:list:<fingerprint>". Every operation runs
// through a bounded exponential backoff and contributes to a shared set of
// counters that can be read with Stats or exported with StatsCollector.
//
// AsyncCache wraps the engine so request paths can schedule writes and
// invalidations without waiting on Redis.
package cache
