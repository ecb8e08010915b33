// Package throttle provides a generic bounded-rate work queue.
//
// An Executor accepts typed work items through Enqueue, which returns a
// Future resolved once the item ran. A periodic tick drains up to a fixed
// quota of items per interval and dispatches each in its own goroutine, so
// the total outbound call rate stays under the platform's enforced ceiling
// while one slow or failing item never delays its siblings.
//
// The queue is unbounded and strictly FIFO. Items are never persisted: on a
// crash, in-flight work is lost and recovery replays from the persisted
// record that produced it, not from the queue.
package throttle
