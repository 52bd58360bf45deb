package helpers

import "net"

// IPClassification is the security classification of an IP address literal
// used as a redirect URI host.
type IPClassification int

const (
	// IPClassificationPublic is a publicly routable address.
	IPClassificationPublic IPClassification = iota
	// IPClassificationLoopback covers 127.0.0.0/8 and ::1.
	IPClassificationLoopback
	// IPClassificationPrivate covers RFC 1918 and fc00::/7.
	IPClassificationPrivate
	// IPClassificationLinkLocal covers 169.254.0.0/16 and fe80::/10.
	IPClassificationLinkLocal
	// IPClassificationUnspecified covers 0.0.0.0 and ::.
	IPClassificationUnspecified
)

func (c IPClassification) String() string {
	switch c {
	case IPClassificationPublic:
		return "public"
	case IPClassificationLoopback:
		return "loopback"
	case IPClassificationPrivate:
		return "private"
	case IPClassificationLinkLocal:
		return "link_local"
	case IPClassificationUnspecified:
		return "unspecified"
	default:
		return "unknown"
	}
}

// ClassifyIP returns the classification of ip. A nil ip is unspecified.
func ClassifyIP(ip net.IP) IPClassification {
	switch {
	case ip == nil, ip.IsUnspecified():
		return IPClassificationUnspecified
	case ip.IsLoopback():
		return IPClassificationLoopback
	case ip.IsLinkLocalUnicast(), ip.IsLinkLocalMulticast():
		return IPClassificationLinkLocal
	case ip.IsPrivate():
		return IPClassificationPrivate
	default:
		return IPClassificationPublic
	}
}

// ClassifyHost classifies a URL hostname. Hostnames that are not IP literals
// are reported as public, except "localhost" which is loopback.
func ClassifyHost(hostname string) IPClassification {
	if hostname == "localhost" {
		return IPClassificationLoopback
	}
	clean := hostname
	if len(clean) > 2 && clean[0] == '[' && clean[len(clean)-1] == ']' {
		clean = clean[1 : len(clean)-1]
	}
	if ip := net.ParseIP(clean); ip != nil {
		return ClassifyIP(ip)
	}
	return IPClassificationPublic
}

// IsLoopbackHostname reports whether hostname (without port) is localhost or
// a loopback IP literal. 0.0.0.0 is not loopback.
func IsLoopbackHostname(hostname string) bool {
	return ClassifyHost(hostname) == IPClassificationLoopback
}
