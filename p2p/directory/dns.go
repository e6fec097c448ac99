package directory

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/miekg/dns"
)

// NameserverResolver queries one nameserver directly, bypassing the system
// resolver configuration. Useful for private zones served next to the
// nodes.
type NameserverResolver struct {
	Server  string
	Timeout time.Duration
	client  *dns.Client
}

// NewNameserverResolver builds a resolver for server (host or host:port).
func NewNameserverResolver(server string, timeout time.Duration) *NameserverResolver {
	server = strings.TrimSpace(server)
	if _, _, err := net.SplitHostPort(server); err != nil {
		server = net.JoinHostPort(server, "53")
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &NameserverResolver{
		Server:  server,
		Timeout: timeout,
		client:  &dns.Client{Net: "udp", Timeout: timeout},
	}
}

// LookupTXT returns the TXT strings published at name. Strings split
// across several character-strings are joined.
func (r *NameserverResolver) LookupTXT(ctx context.Context, name string) ([]string, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(name), dns.TypeTXT)
	msg.RecursionDesired = true

	resp, _, err := r.client.ExchangeContext(ctx, msg, r.Server)
	if err != nil {
		return nil, err
	}
	if resp.Truncated {
		tcp := &dns.Client{Net: "tcp", Timeout: r.Timeout}
		resp, _, err = tcp.ExchangeContext(ctx, msg, r.Server)
		if err != nil {
			return nil, err
		}
	}
	if resp.Rcode != dns.RcodeSuccess {
		return nil, fmt.Errorf("directory: %s: %s", name, dns.RcodeToString[resp.Rcode])
	}
	var out []string
	for _, rr := range resp.Answer {
		if txt, ok := rr.(*dns.TXT); ok {
			out = append(out, strings.Join(txt.Txt, ""))
		}
	}
	return out, nil
}
