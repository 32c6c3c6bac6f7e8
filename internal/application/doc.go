// Package application provides application initialization and dependency wiring.
// It connects an initialized configuration manager to the change history,
// HTTP handlers, metrics endpoint, optional file watcher and server instance,
// keeping the main package focused on CLI parsing and orchestration.
package application
