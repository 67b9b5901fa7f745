// Package queue implements a bounded, keyed priority queue. Items are
// ordered by priority, then FIFO within a priority. A key appears at most
// once; pushing an existing key upgrades its priority instead. When the
// queue is full the lowest priority, newest item is dropped.
package queue
