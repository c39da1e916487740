package audit

import "strings"

// MaskIP redacts the host portion of an address for audit storage. IPv4
// keeps the first three octets ("203.0.113.0/24"); IPv6 keeps the first
// three groups ("2001:db8:1::/48"). Anything unparseable passes through
// untouched rather than being dropped from the trail.
func MaskIP(ip string) string {
	if ip == "" {
		return "unknown"
	}

	if strings.Contains(ip, ".") {
		parts := strings.Split(ip, ".")
		if len(parts) == 4 {
			return parts[0] + "." + parts[1] + "." + parts[2] + ".0/24"
		}
	}

	if strings.Contains(ip, ":") {
		parts := strings.Split(ip, ":")
		if len(parts) >= 3 {
			return parts[0] + ":" + parts[1] + ":" + parts[2] + "::/48"
		}
	}

	return ip
}
