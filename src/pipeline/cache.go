package pipeline

import (
	"strconv"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2"
)

const verdictCacheSize = 8192

// VerdictCache memoizes authorization verdicts per (middleware list,
// connection, identity, channel, time bucket). Entries are invalidated only
// by bucket rollover, never on state change: a just-granted permission may
// stay cached as denied for up to one bucket width, and vice versa. Callers
// accept that staleness window in exchange for skipping the whole chain on
// repeat subscriptions.
type VerdictCache struct {
	entries *lru.Cache[string, bool]
	clock   clock.Clock
	bucket  time.Duration
}

// NewVerdictCache creates a cache with the given bucket width. A
// non-positive width defaults to one minute.
func NewVerdictCache(bucket time.Duration, clk clock.Clock) *VerdictCache {
	if bucket <= 0 {
		bucket = time.Minute
	}
	if clk == nil {
		clk = clock.New()
	}
	entries, _ := lru.New[string, bool](verdictCacheSize)
	return &VerdictCache{entries: entries, clock: clk, bucket: bucket}
}

// Get returns the cached verdict for the current time bucket, if present.
func (c *VerdictCache) Get(specs []string, req *Request) (bool, bool) {
	return c.entries.Get(c.key(specs, req))
}

// Put stores a verdict under the current time bucket.
func (c *VerdictCache) Put(specs []string, req *Request, verdict bool) {
	c.entries.Add(c.key(specs, req), verdict)
}

// Purge discards every cached verdict.
func (c *VerdictCache) Purge() {
	c.entries.Purge()
}

func (c *VerdictCache) key(specs []string, req *Request) string {
	identity := req.Identity
	if identity == "" {
		identity = "guest"
	}
	bucket := c.clock.Now().UnixNano() / int64(c.bucket)
	var b strings.Builder
	b.WriteString(strings.Join(specs, "|"))
	b.WriteByte('#')
	b.WriteString(req.ConnectionID)
	b.WriteByte('#')
	b.WriteString(identity)
	b.WriteByte('#')
	b.WriteString(req.Channel)
	b.WriteByte('#')
	b.WriteString(strconv.FormatInt(bucket, 10))
	return b.String()
}
