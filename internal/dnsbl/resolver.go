package dnsbl

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/miekg/dns"
)

// ErrNotFound is the "name does not exist" outcome of a lookup. For a
// DNSBL query it means the address is not listed and is never logged as
// an error.
var ErrNotFound = errors.New("dnsbl: name not found")

// Resolver issues the DNS lookups the checker needs. It is an interface
// so tests can count calls and serve canned answers.
type Resolver interface {
	// LookupA resolves A records for name. The answer carries the owner
	// names as returned by the server, which may differ from the query
	// name when CNAMEs are involved.
	LookupA(ctx context.Context, name string) ([]Answer, error)

	// LookupTXT resolves TXT records for name.
	LookupTXT(ctx context.Context, name string) ([]string, error)
}

// Answer is one A record from a lookup.
type Answer struct {
	Name string // owner name of the record
	IP   string
}

// Client resolves against a fixed set of DNS servers using UDP with a
// TCP retry on truncation. A single Client is safe for concurrent use
// and is shared process-wide.
type Client struct {
	servers []string
	udp     *dns.Client
	tcp     *dns.Client
}

var _ Resolver = (*Client)(nil)

// NewClient creates a resolver for the given "host:port" servers. With
// no servers configured it falls back to the common local resolvers.
func NewClient(servers []string, timeout time.Duration) *Client {
	if len(servers) == 0 {
		servers = []string{"127.0.0.1:53", "8.8.8.8:53"}
	}
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		servers: servers,
		udp:     &dns.Client{Timeout: timeout},
		tcp:     &dns.Client{Net: "tcp", Timeout: timeout},
	}
}

func (c *Client) LookupA(ctx context.Context, name string) ([]Answer, error) {
	msg, err := c.exchange(ctx, name, dns.TypeA)
	if err != nil {
		return nil, err
	}
	var answers []Answer
	for _, rr := range msg.Answer {
		if a, ok := rr.(*dns.A); ok {
			answers = append(answers, Answer{Name: strings.TrimSuffix(a.Hdr.Name, "."), IP: a.A.String()})
		}
	}
	if len(answers) == 0 {
		return nil, ErrNotFound
	}
	return answers, nil
}

func (c *Client) LookupTXT(ctx context.Context, name string) ([]string, error) {
	msg, err := c.exchange(ctx, name, dns.TypeTXT)
	if err != nil {
		return nil, err
	}
	var texts []string
	for _, rr := range msg.Answer {
		if txt, ok := rr.(*dns.TXT); ok {
			texts = append(texts, strings.Join(txt.Txt, ""))
		}
	}
	if len(texts) == 0 {
		return nil, ErrNotFound
	}
	return texts, nil
}

// exchange tries each configured server in order, over UDP first and TCP
// when the response is truncated. NXDOMAIN maps to ErrNotFound.
func (c *Client) exchange(ctx context.Context, name string, qtype uint16) (*dns.Msg, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), qtype)

	var lastErr error
	for _, server := range c.servers {
		resp, _, err := c.udp.ExchangeContext(ctx, m, server)
		if err == nil && resp.Truncated {
			resp, _, err = c.tcp.ExchangeContext(ctx, m, server)
		}
		if err != nil {
			lastErr = err
			continue
		}
		switch resp.Rcode {
		case dns.RcodeSuccess:
			if len(resp.Answer) == 0 {
				return nil, ErrNotFound
			}
			return resp, nil
		case dns.RcodeNameError:
			return nil, ErrNotFound
		default:
			lastErr = fmt.Errorf("dnsbl: query %s returned %s", name, dns.RcodeToString[resp.Rcode])
		}
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("dnsbl: no DNS servers configured")
	}
	return nil, lastErr
}
