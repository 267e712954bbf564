package netfilter

import "strings"

// anyAddressSentinels are source fields meaning "any address". They are
// structural rules (jumps, defaults), not admitted principals, and are
// excluded from list results.
var anyAddressSentinels = map[string]bool{
	"0.0.0.0/0": true,
	"::/0":      true,
	"anywhere":  true,
}

// parseListOutput extracts source addresses from `iptables -L <chain> -n`
// output. Each rule line is tabular:
//
//	target  prot  opt  source  destination
//
// except that legacy ip6tables leaves the opt column blank, shifting
// source one field left. Header lines and rules with targets other than
// ACCEPT or DROP are skipped. A trailing /32 or /128 host mask is
// stripped so list results compare equal to the bare addresses the
// ledger stores.
func parseListOutput(out string) []string {
	var addrs []string
	for _, line := range strings.Split(out, "\n") {
		parts := strings.Fields(strings.TrimSpace(line))
		if len(parts) < 4 {
			continue
		}
		if parts[0] != "ACCEPT" && parts[0] != "DROP" {
			continue
		}
		source := parts[2]
		if strings.HasPrefix(source, "-") && len(parts) >= 5 {
			source = parts[3]
		}
		if anyAddressSentinels[source] {
			continue
		}
		source = strings.TrimSuffix(source, "/32")
		source = strings.TrimSuffix(source, "/128")
		addrs = append(addrs, source)
	}
	return addrs
}
