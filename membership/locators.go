package membership

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"strings"
)

// ParseLocators parses a comma separated locator list. Each entry is
// host[port], where host may be prefixed by a bind address separated with
// '@' or ':' (the part after the separator is used). A bare IPv6 address is
// accepted as host. When bind is a loopback address every locator must be
// loopback as well.
func ParseLocators(ctx context.Context, locators string, bind netip.Addr) ([]netip.AddrPort, error) {
	var result []netip.AddrPort

	for _, entry := range strings.Split(locators, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		host, port, err := splitLocator(entry)
		if err != nil {
			return nil, err
		}

		addr, err := resolveHost(ctx, host)
		if err != nil {
			return nil, fmt.Errorf("locator %q: %w", entry, err)
		}

		if bind.IsValid() && bind.IsLoopback() && !addr.IsLoopback() {
			return nil, fmt.Errorf("bind address %s is loopback but locator %s is not; check /etc/hosts", bind, addr)
		}

		result = append(result, netip.AddrPortFrom(addr, port))
	}

	return result, nil
}

func splitLocator(entry string) (string, uint16, error) {
	open := strings.IndexByte(entry, '[')
	end := strings.IndexByte(entry, ']')
	if open <= 0 || end < open {
		return "", 0, fmt.Errorf("malformed locator %q: expected host[port]", entry)
	}

	port, err := strconv.ParseUint(entry[open+1:end], 10, 16)
	if err != nil || port == 0 {
		return "", 0, fmt.Errorf("malformed locator %q: invalid port", entry)
	}

	host := entry[:open]
	if _, err := netip.ParseAddr(host); err == nil {
		return host, uint16(port), nil
	}

	idx := strings.LastIndexByte(host, '@')
	if idx < 0 {
		idx = strings.LastIndexByte(host, ':')
	}
	if idx >= 0 {
		host = host[idx+1:]
	}
	if host == "" {
		return "", 0, fmt.Errorf("malformed locator %q: empty host", entry)
	}

	return host, uint16(port), nil
}

func resolveHost(ctx context.Context, host string) (netip.Addr, error) {
	if addr, err := netip.ParseAddr(host); err == nil {
		return addr.Unmap(), nil
	}

	addrs, err := net.DefaultResolver.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return netip.Addr{}, err
	}
	if len(addrs) == 0 {
		return netip.Addr{}, fmt.Errorf("no addresses for %s", host)
	}

	for _, a := range addrs {
		if a.Unmap().Is4() {
			return a.Unmap(), nil
		}
	}
	return addrs[0], nil
}
