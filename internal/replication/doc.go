// Package replication routes operations to the replicated slots of a shard.
//
// A Pool caches one Handle per shard with the slot records loaded from the
// registry and a connection per slot in rotation. The Router fans writes
// out to every slot and reads from the slot that has been stable longest,
// judging the outcome against the configured Policy. Backend failures are
// reported to the Coordinator, which counts them in the registry and, past
// the error threshold, promotes a spare from the same risk group or takes
// the slot out of rotation. Other handles learn about the change through
// the flag board.
package replication
