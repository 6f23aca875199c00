package guard

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatchesCIDR(t *testing.T) {
	assert.True(t, Matches("192.168.0.0/16", "192.168.1.50"))
	assert.False(t, Matches("192.168.0.0/16", "10.0.0.1"))
	assert.True(t, Matches("10.0.0.0/8", "10.200.3.4"))
}

func TestMatchesWildcard(t *testing.T) {
	assert.True(t, Matches("192.168.1.*", "192.168.1.50"))
	assert.False(t, Matches("192.168.1.*", "192.168.2.50"))
	assert.False(t, Matches("192.168.1.*", "10.0.0.1"))
	assert.True(t, Matches("192.*.*.*", "192.0.2.200"))
}

func TestMatchesExact(t *testing.T) {
	assert.True(t, Matches("203.0.113.9", "203.0.113.9"))
	assert.False(t, Matches("203.0.113.9", "203.0.113.10"))
}

func TestFilterDenyTakesPrecedence(t *testing.T) {
	f := NewIpFilter()
	require.NoError(t, f.Allow("192.168.0.0/16"))
	require.NoError(t, f.Deny("192.168.1.66"))

	assert.True(t, f.Allowed("192.168.1.50"))
	assert.False(t, f.Allowed("192.168.1.66"))
}

func TestFilterEmptyAllowListAdmitsAll(t *testing.T) {
	f := NewIpFilter()
	assert.True(t, f.Allowed("203.0.113.1"))

	require.NoError(t, f.Deny("203.0.113.0/24"))
	assert.False(t, f.Allowed("203.0.113.1"))
	assert.True(t, f.Allowed("198.51.100.1"))
}

func TestFilterAllowListClosesDefault(t *testing.T) {
	f := NewIpFilter()
	require.NoError(t, f.Allow("10.0.0.0/8"))

	assert.True(t, f.Allowed("10.1.2.3"))
	assert.False(t, f.Allowed("203.0.113.1"))
}

func TestFilterCacheInvalidatedOnRuleChange(t *testing.T) {
	f := NewIpFilter()
	assert.True(t, f.Allowed("203.0.113.1"))

	// A new deny rule must flip the already-cached verdict.
	require.NoError(t, f.Deny("203.0.113.1"))
	assert.False(t, f.Allowed("203.0.113.1"))
}

// A verdict computed concurrently with a rule change must not outlive the
// purge. Verdicts are cached under the rule lock, so once Deny returns no
// pre-change verdict can remain cached.
func TestFilterRuleChangePurgesConcurrentVerdicts(t *testing.T) {
	f := NewIpFilter()

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				f.Allowed("203.0.113.9")
			}
		}
	}()

	require.NoError(t, f.Deny("203.0.113.9"))
	assert.False(t, f.Allowed("203.0.113.9"))

	close(stop)
	wg.Wait()
	assert.False(t, f.Allowed("203.0.113.9"))
}

func TestFilterAllowListed(t *testing.T) {
	f := NewIpFilter()
	assert.False(t, f.AllowListed("10.1.2.3"), "empty allow list matches nothing")

	require.NoError(t, f.Allow("10.1.0.0/16"))
	require.NoError(t, f.Deny("10.1.2.3"))

	assert.True(t, f.AllowListed("10.1.2.3"), "deny rules are not consulted")
	assert.False(t, f.AllowListed("192.0.2.1"))
}

func TestFilterRejectsMalformedEntries(t *testing.T) {
	f := NewIpFilter()
	assert.Error(t, f.Allow(""))
	assert.Error(t, f.Allow("not-an-ip"))
	assert.Error(t, f.Deny("300.0.0.0/8"))
}

func TestIsTrusted(t *testing.T) {
	assert.True(t, IsTrusted("127.0.0.1"))
	assert.True(t, IsTrusted("::1"))
	assert.True(t, IsTrusted("192.168.1.50"))
	assert.True(t, IsTrusted("10.0.0.1"))
	assert.False(t, IsTrusted("203.0.113.1"))
	assert.False(t, IsTrusted("not-an-ip"))
}
