// DNSFrontend subsystem — RFC 1035 resolver answering from the ledger's DNS
// zone, falling back to an upstream resolver for domains outside the
// ledger's authoritative origin. Built on github.com/miekg/dns, the DNS
// library already present in the teacher's dependency tree for its own
// naming layer, with a bounded worker pool in the teacher's
// high_availability.go goroutine-fan-out idiom.
package core

import (
	"context"
	"net"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/miekg/dns"
	"github.com/sirupsen/logrus"
)

// DNSFrontend serves UDP and TCP DNS queries over the ledger's zone.
type DNSFrontend struct {
	store    *Store
	origin   string // e.g. "ledger." — queries under this suffix are authoritative
	upstream string // address of the resolver used for everything else

	log *logrus.Logger

	sem chan struct{}

	cacheMu sync.RWMutex
	cache   map[string][]ZoneEntry
	caching bool

	udp *dns.Server
	tcp *dns.Server

	metrics *Metrics
}

// SetMetrics wires optional prometheus collectors.
func (f *DNSFrontend) SetMetrics(m *Metrics) { f.metrics = m }

// NewDNSFrontend wires a DNSFrontend. workers <= 0 defaults to
// 4*runtime.NumCPU() with a floor of 4, matching the spec's bounded worker
// pool sizing.
func NewDNSFrontend(store *Store, listenAddr, origin, upstream string, workers int, log *logrus.Logger) *DNSFrontend {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if workers <= 0 {
		workers = 4 * runtime.NumCPU()
		if workers < 4 {
			workers = 4
		}
	}
	if !strings.HasSuffix(origin, ".") {
		origin += "."
	}
	f := &DNSFrontend{
		store:    store,
		origin:   origin,
		upstream: upstream,
		log:      log,
		sem:      make(chan struct{}, workers),
		cache:    make(map[string][]ZoneEntry),
		caching:  true,
	}
	mux := dns.NewServeMux()
	mux.HandleFunc(".", f.handleQuery)
	f.udp = &dns.Server{Addr: listenAddr, Net: "udp", Handler: mux}
	f.tcp = &dns.Server{
		Addr: listenAddr, Net: "tcp", Handler: mux,
		ReadTimeout: 30 * time.Second, WriteTimeout: 30 * time.Second,
		MaxTCPQueries: 64 * 1024,
	}
	return f
}

// Start launches the UDP and TCP listeners in the background. An error from
// either server within the first 100ms is returned; later errors are logged,
// not returned, since listener failure after startup is not this call's
// concern.
func (f *DNSFrontend) Start(ctx context.Context) error {
	started := make(chan error, 2)
	go func() {
		started <- f.udp.ListenAndServe()
	}()
	go func() {
		started <- f.tcp.ListenAndServe()
	}()
	// Give both listeners a moment to bind before reporting success, so a
	// bad listen address surfaces to the caller instead of only the log.
	pending := 2
	select {
	case err := <-started:
		if err != nil {
			return err
		}
		pending--
	case <-time.After(100 * time.Millisecond):
	}
	go func() {
		for i := 0; i < pending; i++ {
			if err := <-started; err != nil {
				f.log.Warnf("dnsserver: listener stopped: %v", err)
			}
		}
	}()
	go func() {
		<-ctx.Done()
		_ = f.udp.Shutdown()
		_ = f.tcp.Shutdown()
	}()
	return nil
}

// InvalidateCache drops every cached answer; StateMachine calls this after
// applying any block so stale answers never outlive the state they were
// read from.
func (f *DNSFrontend) InvalidateCache() {
	f.cacheMu.Lock()
	f.cache = make(map[string][]ZoneEntry)
	f.cacheMu.Unlock()
}

func (f *DNSFrontend) handleQuery(w dns.ResponseWriter, r *dns.Msg) {
	select {
	case f.sem <- struct{}{}:
		defer func() { <-f.sem }()
	default:
		m := new(dns.Msg)
		m.SetRcode(r, dns.RcodeServerFailure)
		_ = w.WriteMsg(m)
		return
	}

	m := new(dns.Msg)
	m.SetReply(r)
	m.Authoritative = false

	for _, q := range r.Question {
		if strings.HasSuffix(strings.ToLower(q.Name), f.origin) {
			m.Authoritative = true
			rrs, err := f.answerAuthoritative(q)
			if err != nil {
				f.log.Warnf("dnsserver: zone lookup for %s: %v", q.Name, err)
				m.Rcode = dns.RcodeServerFailure
				break
			}
			if len(rrs) == 0 {
				m.Rcode = dns.RcodeNameError
				continue
			}
			m.Answer = append(m.Answer, rrs...)
			continue
		}
		rrs, rcode := f.forwardUpstream(q)
		m.Rcode = rcode
		m.Answer = append(m.Answer, rrs...)
	}

	if _, ok := w.RemoteAddr().(*net.UDPAddr); ok {
		m.Truncate(dns.MinMsgSize)
	}
	if f.metrics != nil {
		f.metrics.DNSQueries.WithLabelValues(resultLabel(m.Rcode)).Inc()
	}
	if err := w.WriteMsg(m); err != nil {
		f.log.Debugf("dnsserver: write response: %v", err)
	}
}

func resultLabel(rcode int) string {
	switch rcode {
	case dns.RcodeSuccess:
		return "answered"
	case dns.RcodeNameError:
		return "nxdomain"
	case dns.RcodeServerFailure:
		return "servfail"
	default:
		return "other"
	}
}

func (f *DNSFrontend) answerAuthoritative(q dns.Question) ([]dns.RR, error) {
	name := strings.ToLower(strings.TrimSuffix(q.Name, "."))
	typ := recordTypeFor(q.Qtype)
	entries, ok := f.cacheLookup(name, typ)
	if !ok {
		var err error
		entries, err = f.store.Zone.Lookup(name, typ)
		if err != nil {
			return nil, err
		}
		f.cacheStore(name, typ, entries)
	}
	now := time.Now().Unix()
	out := make([]dns.RR, 0, len(entries))
	for _, e := range entries {
		if e.ExpiresAt != 0 && e.ExpiresAt < now {
			continue
		}
		rr, err := buildRR(q.Name, e.Record)
		if err != nil {
			f.log.Debugf("dnsserver: skip malformed record %+v: %v", e.Record, err)
			continue
		}
		out = append(out, rr)
	}
	return out, nil
}

func (f *DNSFrontend) forwardUpstream(q dns.Question) ([]dns.RR, int) {
	if f.upstream == "" {
		return nil, dns.RcodeNameError
	}
	req := new(dns.Msg)
	req.SetQuestion(q.Name, q.Qtype)
	c := new(dns.Client)
	resp, _, err := c.Exchange(req, f.upstream)
	if err != nil || resp == nil {
		f.log.Warnf("dnsserver: upstream exchange for %s: %v", q.Name, err)
		return nil, dns.RcodeServerFailure
	}
	return resp.Answer, resp.Rcode
}

func (f *DNSFrontend) cacheLookup(name string, typ RecordType) ([]ZoneEntry, bool) {
	if !f.caching {
		return nil, false
	}
	f.cacheMu.RLock()
	defer f.cacheMu.RUnlock()
	entries, ok := f.cache[cacheKey(name, typ)]
	return entries, ok
}

func (f *DNSFrontend) cacheStore(name string, typ RecordType, entries []ZoneEntry) {
	if !f.caching {
		return
	}
	f.cacheMu.Lock()
	f.cache[cacheKey(name, typ)] = entries
	f.cacheMu.Unlock()
}

func cacheKey(name string, typ RecordType) string { return string(typ) + "|" + name }

func recordTypeFor(qtype uint16) RecordType {
	switch qtype {
	case dns.TypeA:
		return RecA
	case dns.TypeAAAA:
		return RecAAAA
	case dns.TypeCNAME:
		return RecCNAME
	case dns.TypeTXT:
		return RecTXT
	case dns.TypeNS:
		return RecNS
	case dns.TypePTR:
		return RecPTR
	default:
		return ""
	}
}

func buildRR(owner string, rec DNSRecord) (dns.RR, error) {
	hdrLine := owner
	switch rec.Type {
	case RecA:
		return dns.NewRR(dnsRRString(hdrLine, rec, "A"))
	case RecAAAA:
		return dns.NewRR(dnsRRString(hdrLine, rec, "AAAA"))
	case RecCNAME:
		return dns.NewRR(dnsRRString(hdrLine, rec, "CNAME"))
	case RecTXT:
		return dns.NewRR(dnsRRString(hdrLine, rec, "TXT"))
	case RecNS:
		return dns.NewRR(dnsRRString(hdrLine, rec, "NS"))
	case RecPTR:
		return dns.NewRR(dnsRRString(hdrLine, rec, "PTR"))
	default:
		return nil, dns.ErrRdata
	}
}

func dnsRRString(owner string, rec DNSRecord, typ string) string {
	ttl := rec.TTL
	if ttl == 0 {
		ttl = 300
	}
	value := rec.Value
	if typ == "TXT" {
		value = "\"" + strings.ReplaceAll(value, "\"", "\\\"") + "\""
	}
	return owner + " " + strconv.Itoa(int(ttl)) + " IN " + typ + " " + value
}
