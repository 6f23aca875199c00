package guard

import (
	"fmt"
	"net"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

const ipFilterCacheSize = 4096

// IpFilter evaluates allow/deny rules against source IPs. Rules may be exact
// addresses ("10.0.0.1"), CIDR ranges ("192.168.0.0/16") or dotted wildcards
// ("192.168.1.*"). Verdicts are cached per IP until the rule set changes.
type IpFilter struct {
	mu    sync.RWMutex
	allow []ipRule
	deny  []ipRule
	cache *lru.Cache[string, bool]
}

type ipRule struct {
	raw      string
	exact    net.IP
	network  *net.IPNet
	wildcard []string
}

// NewIpFilter creates an empty filter. With no allow rules every IP passes
// unless a deny rule matches; once allow rules exist, only matching IPs pass.
func NewIpFilter() *IpFilter {
	cache, _ := lru.New[string, bool](ipFilterCacheSize)
	return &IpFilter{cache: cache}
}

// Allow adds an entry to the allow list.
func (f *IpFilter) Allow(entry string) error {
	return f.addRule(entry, &f.allow)
}

// Deny adds an entry to the deny list. Deny rules take precedence over
// allow rules.
func (f *IpFilter) Deny(entry string) error {
	return f.addRule(entry, &f.deny)
}

func (f *IpFilter) addRule(entry string, list *[]ipRule) error {
	rule, err := parseIPRule(entry)
	if err != nil {
		return err
	}
	f.mu.Lock()
	*list = append(*list, rule)
	f.cache.Purge()
	f.mu.Unlock()
	return nil
}

// Allowed reports whether ip passes the filter.
func (f *IpFilter) Allowed(ip string) bool {
	if verdict, ok := f.cache.Get(ip); ok {
		return verdict
	}
	// The verdict is cached while the lock is held, so a rule change can
	// never purge the cache before a verdict from the old rule set lands.
	f.mu.RLock()
	defer f.mu.RUnlock()
	verdict := !matchAny(f.deny, ip) && (len(f.allow) == 0 || matchAny(f.allow, ip))
	f.cache.Add(ip, verdict)
	return verdict
}

// AllowListed reports whether ip matches an allow-list entry. Unlike
// Allowed it ignores deny rules and an empty allow list matches nothing.
func (f *IpFilter) AllowListed(ip string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return matchAny(f.allow, ip)
}

// Denied reports whether ip matches a deny rule.
func (f *IpFilter) Denied(ip string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return matchAny(f.deny, ip)
}

// Matches reports whether ip matches the given single entry, independent of
// the filter's rule lists.
func Matches(entry, ip string) bool {
	rule, err := parseIPRule(entry)
	if err != nil {
		return false
	}
	return rule.match(ip)
}

// IsTrusted reports whether ip belongs to a loopback or private network.
// Trusted sources bypass abuse counters.
func IsTrusted(ip string) bool {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return false
	}
	return parsed.IsLoopback() || parsed.IsPrivate()
}

func matchAny(rules []ipRule, ip string) bool {
	for _, r := range rules {
		if r.match(ip) {
			return true
		}
	}
	return false
}

func parseIPRule(entry string) (ipRule, error) {
	entry = strings.TrimSpace(entry)
	if entry == "" {
		return ipRule{}, fmt.Errorf("empty ip filter entry")
	}
	if strings.Contains(entry, "/") {
		_, network, err := net.ParseCIDR(entry)
		if err != nil {
			return ipRule{}, fmt.Errorf("invalid cidr %q: %w", entry, err)
		}
		return ipRule{raw: entry, network: network}, nil
	}
	if strings.Contains(entry, "*") {
		return ipRule{raw: entry, wildcard: strings.Split(entry, ".")}, nil
	}
	exact := net.ParseIP(entry)
	if exact == nil {
		return ipRule{}, fmt.Errorf("invalid ip %q", entry)
	}
	return ipRule{raw: entry, exact: exact}, nil
}

func (r ipRule) match(ip string) bool {
	switch {
	case r.network != nil:
		parsed := net.ParseIP(ip)
		return parsed != nil && r.network.Contains(parsed)
	case r.wildcard != nil:
		segments := strings.Split(ip, ".")
		if len(segments) != len(r.wildcard) {
			return false
		}
		for i, want := range r.wildcard {
			if want != "*" && want != segments[i] {
				return false
			}
		}
		return true
	default:
		parsed := net.ParseIP(ip)
		return parsed != nil && parsed.Equal(r.exact)
	}
}
