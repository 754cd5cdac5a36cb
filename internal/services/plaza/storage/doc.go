// Package storage defines the persistence gateway consumed by the realtime
// server.
//
// Implementations own user, room, and message durability; the realtime core
// holds no authoritative copy of any record beyond transient lookups.
package storage
