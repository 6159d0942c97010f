// Package netutil holds the one address-family helper the core exposes
// to its callers: DomainOf. Everything else address-family related
// (interface enumeration, bind-address selection) lives in the server
// package, which is the only caller that needs it.
package netutil

import (
	"context"
	"net"

	"github.com/bkeevil/tcp/api"
)

// DomainOf resolves host to an address family: a numeric address is parsed
// directly; otherwise host is resolved via the canonical-name lookup and
// the family of the first returned address is used. def is returned when
// neither succeeds. service is accepted for symmetry with callers that
// resolve a host:service pair together but does not affect the family
// decision.
func DomainOf(host, service string, def api.Domain) api.Domain {
	if ip := net.ParseIP(host); ip != nil {
		return domainOfIP(ip)
	}

	addrs, err := net.DefaultResolver.LookupIPAddr(context.Background(), host)
	if err != nil || len(addrs) == 0 {
		return def
	}
	return domainOfIP(addrs[0].IP)
}

func domainOfIP(ip net.IP) api.Domain {
	if ip.To4() != nil {
		return api.DomainIPv4
	}
	return api.DomainIPv6
}
