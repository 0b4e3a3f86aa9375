// Package queue implements the offline mutation queue at the heart of the
// sync engine.
//
// Overview
//
// Race committees work from clubhouses, chase boats, and marinas with patchy
// connectivity. Writes must never block on the network: every local mutation
// is appended to a durable log first, and a background engine pushes it to
// the backend when connectivity allows, in order, with bounded retries.
//
// Architecture
//
// The engine sits between the application's writes and the remote backend:
//
//	Application
//	     └── Enqueue(collection, op, payload)
//	              ↓
//	       Persistent log                 netmon.Monitor
//	       (SQLite / file KV)            (debounced online/offline)
//	              ↓                             ↓
//	                        Engine  ←── drain triggers: back online,
//	              ↓                     enqueue, ProcessQueue, safety tick
//	       registry.Handlers (per collection)
//	              ↓
//	       Remote backend (HTTP API, libsql replica, ...)
//
// Usage
//
// Basic usage:
//
//	st, err := store.OpenSQLite(".driftsync/queue.db", nil)
//	if err != nil {
//	    return err
//	}
//	defer st.Close()
//
//	monitor, err := netmon.New(&netmon.HTTPProber{URL: healthURL}, nil)
//	if err != nil {
//	    return err
//	}
//
//	engine, err := queue.New(st, monitor, nil)
//	if err != nil {
//	    return err
//	}
//	engine.RegisterHandler("races", racesHandlers)
//
//	if err := monitor.Start(); err != nil {
//	    return err
//	}
//	if err := engine.Start(); err != nil {
//	    return err
//	}
//	defer engine.Stop()
//
//	// Mutations enqueue instantly, online or not
//	_, err = engine.Enqueue(ctx, "races", record.OpUpsert, payload)
//
// Ordering
//
// Within a collection, mutations deliver in the order they were enqueued. A
// record that is backing off after a failure holds up the records behind it
// in the same collection; other collections keep draining. That trade was
// made deliberately: an upsert must never overtake the delete that precedes
// it, and a skewed interleaving is worse than a stalled collection.
//
// Error Handling
//
// Delivery failures follow one policy, there is no transient/permanent
// classification:
//
//   - A failed delivery goes back to pending with capped exponential backoff
//   - After the attempt budget is spent the record is dead-lettered and no
//     longer blocks its collection
//   - Dead letters stay in the log for inspection until cleared or reprocessed
//   - A handler panic counts as a failed delivery, not a crashed process
//
// Delivery is at-least-once: a crash between remote accept and local remove
// redelivers the mutation on the next start, so handlers must be idempotent.
//
// Concurrency
//
// At most one drain pass runs at a time, and records within a pass deliver
// sequentially. Triggers arriving mid-pass coalesce into a single follow-up
// pass. Enqueue and the read-side operations are safe from any goroutine.
package queue
