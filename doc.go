// Package transactions relays brokerage account transactions into a shared
// self-expiring store. A single producer consumes the broker's transaction
// stream, filters heartbeats, and publishes each event as a TTL-bounded
// record under the transaction_data: namespace, together with an advisory
// index set that consumers use for counting and enumeration. The binary is
// designed to run cleanly as PID 1.
//
// # Running the relay
//
// The service connects to the store, wipes records left over from a previous
// run, then streams until the context is cancelled or the retry budget is
// exhausted:
//
//	cfg := transactions.Config{
//	    Broker:          "oanda",
//	    CredentialsFile: "config/secrets.json",
//	    Store:           "redis://localhost:6379/0",
//	}
//	svc, err := transactions.NewService(cfg)
//	if err != nil { log.Fatal(err) }
//	defer svc.Close()
//	if err := svc.Run(ctx); err != nil {
//	    log.Fatalf("txrelayd: %v", err)
//	}
//
// Records expire on their own (default 300s); the index set carries a longer
// TTL (default 600s) and is pruned after every publish, so a crashed relay
// leaves nothing permanent behind.
//
// # Stream lifecycle
//
// Stream failures back off with a growing delay (5s, capped at 60s) and a
// budget of consecutive failures (default 10). Any successful publish resets
// the budget. When the budget is exhausted the supervisor gives up
// permanently; the foreground liveness loop keeps reporting the active count
// so operators see a static, decaying namespace rather than a vanished
// process.
//
// # Stores
//
// The Store DSN selects the backend: redis:// and rediss:// dial a Redis
// server, mem:// keeps everything in process memory (development and tests).
package transactions
