/*
Package uldb is the entry point for programs that keep user location data on
a set of replicated SQL backends.

A Client ties the pieces together:

	          Client
	            │
	   ┌────────┴─────────┐
	 Router          health.Monitor
	   │                  │
	 Pool ── Coordinator  │
	   │         │        │
	 backends   registry table

Every key is hashed onto a shard. Each shard has db_num slots, one per
backend, listed in the registry table. Writes go to every slot in
rotation, reads to the slot that has been stable longest. Failing slots are
counted in the registry and replaced by a spare of the same risk group, or
switched off, once the error threshold is crossed. The health monitor puts
switched off slots back once they answer again.

# Usage

	cfg := config.NewDefault()
	if err := cfg.LoadFromFile("uldb.yaml"); err != nil {
		return err
	}
	client, err := uldb.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer client.Shutdown(ctx)
	if err := client.Start(ctx); err != nil {
		return err
	}
	err = client.Insert(ctx, uldb.Key{Primary: "alice"}, "location", cols, vals)

The registry is shared by every process that serves the same data. Without
a write URL the client still routes operations but never changes the
registry and the health monitor stays off.
*/
package uldb
