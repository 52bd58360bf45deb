// Package helpers provides small utilities shared by the server, storage and
// HTTP layers: log-safe truncation, scope string handling and host
// classification for redirect URI checks.
package helpers
