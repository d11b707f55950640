// Package nebulakv is an acceleration layer for Redis key-value and vector
// search workloads.
//
// It sits between an application and a Redis server and reduces round trips
// and latency with five cooperating components:
//
//   - pool: a bounded set of reusable connections with FIFO waiters, health
//     checks and idle reaping.
//   - batch: coalesces individual requests into grouped MGET and pipelined
//     commands, with priorities and a concurrency cap.
//   - prefetch: a popularity-weighted local value cache that refreshes hot
//     keys before they expire.
//   - query: rewrites vector searches, estimates their cost and caches
//     results keyed by query signature.
//   - monitor: turns live component metrics into tuning recommendations.
//
// The engine package wires them together from one config.Config:
//
//	cfg := config.Default()
//	cfg.Redis.Addr = "localhost:6379"
//
//	eng, err := engine.Open(ctx, cfg, logger.Get())
//	if err != nil {
//	    return err
//	}
//	defer eng.Close(context.Background())
//
//	if err := eng.Set(ctx, "user:42", "ada", time.Hour); err != nil {
//	    return err
//	}
//	value, found, err := eng.Get(ctx, "user:42")
//
// The nebulakv command runs a synthetic workload through the engine and
// prints throughput, component metrics and recommendations as JSON.
package nebulakv
