// Package domain holds the task model shared by the store, the supervisor and
// the HTTP layer.
package domain
