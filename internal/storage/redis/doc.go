// Package redis opens the shared Redis connection used by the distributed
// per-agent lock, the event broadcaster and the cycle job queue.
package redis
