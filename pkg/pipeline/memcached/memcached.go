// Package memcached shares pipeline summaries between luffyd replicas,
// so that only one of them has to ask GitHub for a tenant's latest run
// each refresh period.
//
// An entry is the summary's JSON behind the time it should be
// refreshed at. Entries outlive that time by a margin: a replica
// reading an entry past its refresh time treats it as a miss and
// fetches from GitHub, while the entry is still there for the others.
// Evictions under memory pressure are just misses.
package memcached

import (
	"encoding/binary"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
	"github.com/go-kit/kit/log"
	"github.com/pkg/errors"
)

const (
	// MinTTL is the shortest time an entry is kept for.
	MinTTL    = 5 * time.Minute
	keyPrefix = "luffy:pipeline:"
	// refresh times are stored as 32-bit Unix seconds
	headerLen = 4
)

// ErrMiss is returned for tenants with no entry.
var ErrMiss = errors.New("pipeline summary not cached")

// Summaries is a pipeline summary cache backed by memcached. The
// servers are either fixed, or looked up in DNS SRV records and
// looked up again periodically, so that memcached pods can come and
// go.
type Summaries struct {
	client  *memcache.Client
	servers *memcache.ServerList
	logger  log.Logger

	quit chan struct{}
	wait sync.WaitGroup
}

type Config struct {
	// Host and Service name the SRV record listing the servers.
	Host    string
	Service string
	Timeout time.Duration
	// Rediscover is how often the server list is refreshed.
	Rediscover   time.Duration
	MaxIdleConns int
	Logger       log.Logger
}

func newSummaries(config Config) *Summaries {
	servers := &memcache.ServerList{}
	client := memcache.NewFromSelector(servers)
	client.Timeout = config.Timeout
	client.MaxIdleConns = config.MaxIdleConns
	return &Summaries{
		client:  client,
		servers: servers,
		logger:  config.Logger,
		quit:    make(chan struct{}),
	}
}

// New returns a cache using the servers in the SRV record
// _service._tcp.host.
func New(config Config) *Summaries {
	s := newSummaries(config)
	discover := func() error {
		return s.discover(config.Service, config.Host)
	}
	if err := discover(); err != nil {
		config.Logger.Log("err", errors.Wrapf(err, "looking up memcached servers for %s", config.Host))
	}
	s.wait.Add(1)
	go s.rediscover(config.Rediscover, discover)
	return s
}

// NewFixed returns a cache using the servers at addrs.
func NewFixed(config Config, addrs ...string) *Summaries {
	s := newSummaries(config)
	set := func() error {
		return s.servers.SetServers(addrs...)
	}
	if err := set(); err != nil {
		config.Logger.Log("err", errors.Wrapf(err, "resolving memcached servers %v", addrs))
	}
	s.wait.Add(1)
	go s.rediscover(config.Rediscover, set)
	return s
}

// Load returns the tenant's summary and when it should be refreshed.
func (s *Summaries) Load(tenantID string) ([]byte, time.Time, error) {
	item, err := s.client.Get(keyPrefix + tenantID)
	switch {
	case err == memcache.ErrCacheMiss:
		return nil, time.Time{}, ErrMiss
	case err != nil:
		s.logger.Log("tenant", tenantID, "err", errors.Wrap(err, "reading pipeline summary"))
		return nil, time.Time{}, err
	}
	return unpack(item.Value)
}

// Store keeps the tenant's summary until a while after refreshAt.
func (s *Summaries) Store(tenantID string, refreshAt time.Time, summary []byte) error {
	err := s.client.Set(&memcache.Item{
		Key:        keyPrefix + tenantID,
		Value:      pack(refreshAt, summary),
		Expiration: ttl(refreshAt, time.Now()),
	})
	if err != nil {
		s.logger.Log("tenant", tenantID, "err", errors.Wrap(err, "storing pipeline summary"))
	}
	return err
}

// ttl keeps an entry for twice as long as it has left to be fresh.
func ttl(refreshAt, now time.Time) int32 {
	d := 2 * refreshAt.Sub(now)
	if d < MinTTL {
		d = MinTTL
	}
	return int32(d / time.Second)
}

func pack(refreshAt time.Time, summary []byte) []byte {
	buf := make([]byte, headerLen, headerLen+len(summary))
	binary.BigEndian.PutUint32(buf, uint32(refreshAt.Unix()))
	return append(buf, summary...)
}

func unpack(value []byte) ([]byte, time.Time, error) {
	if len(value) < headerLen {
		return nil, time.Time{}, fmt.Errorf("pipeline summary entry of %d bytes has no refresh time", len(value))
	}
	refreshAt := time.Unix(int64(binary.BigEndian.Uint32(value)), 0)
	return value[headerLen:], refreshAt, nil
}

// Stop ends server rediscovery.
func (s *Summaries) Stop() {
	close(s.quit)
	s.wait.Wait()
}

func (s *Summaries) rediscover(every time.Duration, update func() error) {
	defer s.wait.Done()
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := update(); err != nil {
				s.logger.Log("err", errors.Wrap(err, "updating memcached servers"))
			}
		case <-s.quit:
			return
		}
	}
}

// discover points the client at the servers in the SRV record,
// ignoring priority and weight. Keys map to a server by its position
// in the list, and DNS answers come in any order, so the list is
// sorted for every replica to agree.
func (s *Summaries) discover(service, host string) error {
	_, records, err := net.LookupSRV(service, "tcp", host)
	if err != nil {
		return err
	}
	addrs := make([]string, 0, len(records))
	for _, r := range records {
		addrs = append(addrs, net.JoinHostPort(r.Target, fmt.Sprint(r.Port)))
	}
	sort.Strings(addrs)
	return s.servers.SetServers(addrs...)
}
