// Package watch reloads configuration when its backing file changes on disk.
// Events are debounced so editors that write in several steps trigger a
// single reload.
package watch
