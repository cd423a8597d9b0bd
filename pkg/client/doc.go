// Package client is an HTTP client for the drydock API, used by the CLI
// subcommands and usable from other Go programs. Server error envelopes are
// surfaced as errdefs errors so callers can branch on the kind.
package client
