// Package storage persists delivery outcomes and per-feed seen sets.
//
// Drivers:
//   - file: JSON Lines delivery log plus a seen-set snapshot
//   - sqlite: modernc.org/sqlite, queries built with squirrel
//   - redis: capped delivery list plus one set per feed
//
// Open returns (nil, nil) when storage is disabled; callers treat a nil Store
// as "record nothing".
package storage
