// Package api serves the HTTP control surface: run launch and inspection,
// directive and schedule management, worker host and allowlist administration,
// artifact download, and a single-shot SSE tool endpoint that mirrors the
// read and launch operations for programmatic clients.
//
// Response bodies never carry SSH credentials (hosts expose only a
// has_ssh_config flag) and never inline artifact content; downloads re-verify
// that the recorded path still resolves under the artifact root. Errors use
// one envelope, {"kind": ..., "message": ...}, with the kind mapped onto the
// HTTP status.
package api
