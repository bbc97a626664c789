package yookassa

import (
	"net/netip"
	"strings"
)

// WebhookSources lists the published notification source ranges.
var WebhookSources = []string{
	"185.71.76.0/27",
	"185.71.77.0/27",
	"77.75.153.0/25",
	"77.75.156.11",
	"77.75.156.35",
	"77.75.154.128/25",
	"2a02:5180::/32",
}

var webhookPrefixes = mustPrefixes(WebhookSources)

func mustPrefixes(items []string) []netip.Prefix {
	out := make([]netip.Prefix, 0, len(items))
	for _, item := range items {
		if !strings.Contains(item, "/") {
			addr := netip.MustParseAddr(item)
			out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
			continue
		}
		out = append(out, netip.MustParsePrefix(item))
	}
	return out
}

// IsWebhookIP reports whether ip belongs to the gateway's notification ranges.
func IsWebhookIP(ip string) bool {
	addr, err := netip.ParseAddr(strings.TrimSpace(ip))
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range webhookPrefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}
