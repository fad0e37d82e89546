package pac

import (
	"context"
	"net"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"
)

const dnsLookupTimeout = 2 * time.Second

// LookupFunc resolves a host name to addresses.
type LookupFunc func(ctx context.Context, host string) ([]string, error)

// helpers implements the PAC predefined functions in Go. The otto engine
// binds them into its VM.
type helpers struct {
	lookup LookupFunc
	now    func() time.Time
}

func newHelpers(lookup LookupFunc) *helpers {
	if lookup == nil {
		lookup = net.DefaultResolver.LookupHost
	}
	return &helpers{lookup: lookup, now: time.Now}
}

func isPlainHostName(host string) bool {
	return !strings.Contains(host, ".") && net.ParseIP(host) == nil
}

func dnsDomainIs(host, domain string) bool {
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	domain = strings.ToLower(strings.TrimSuffix(domain, "."))
	if domain == "" {
		return false
	}
	if !strings.HasPrefix(domain, ".") {
		return host == domain || strings.HasSuffix(host, "."+domain)
	}
	return strings.HasSuffix(host, domain)
}

// localHostOrDomainIs is true for an exact match, or when host is
// unqualified and matches the first label of hostdom.
func localHostOrDomainIs(host, hostdom string) bool {
	host, hostdom = strings.ToLower(host), strings.ToLower(hostdom)
	if host == hostdom {
		return true
	}
	return !strings.Contains(host, ".") && strings.HasPrefix(hostdom, host+".")
}

func dnsDomainLevels(host string) int {
	host = strings.TrimSuffix(host, ".")
	if host == "" || net.ParseIP(host) != nil {
		return 0
	}
	return strings.Count(host, ".")
}

var shExpCache = newRegexpCache()

// shExpMatch matches str against a shell expression where * and ? are the
// only wildcards and "/" is an ordinary character.
func shExpMatch(str, pattern string) bool {
	re, err := shExpCache.get(pattern)
	if err != nil {
		return false
	}
	return re.MatchString(str)
}

func (h *helpers) dnsResolve(host string) string {
	if ip := net.ParseIP(host); ip != nil {
		return ip.String()
	}
	ctx, cancel := context.WithTimeout(context.Background(), dnsLookupTimeout)
	defer cancel()
	addrs, err := h.lookup(ctx, host)
	if err != nil {
		return ""
	}
	for _, a := range addrs {
		if ip := net.ParseIP(a); ip != nil && ip.To4() != nil {
			return ip.String()
		}
	}
	if len(addrs) > 0 {
		return addrs[0]
	}
	return ""
}

func (h *helpers) isResolvable(host string) bool {
	return h.dnsResolve(host) != ""
}

func (h *helpers) isInNet(host, pattern, mask string) bool {
	addr := h.dnsResolve(host)
	ip := net.ParseIP(addr).To4()
	base := net.ParseIP(pattern).To4()
	m := net.ParseIP(mask).To4()
	if ip == nil || base == nil || m == nil {
		return false
	}
	ipMask := net.IPMask(m)
	return ip.Mask(ipMask).Equal(base.Mask(ipMask))
}

// myIPAddress returns the local address used to reach the internet
// without sending any packets.
func myIPAddress() string {
	conn, err := net.Dial("udp4", "198.51.100.1:53")
	if err != nil {
		return "127.0.0.1"
	}
	defer conn.Close()
	if a, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		return a.IP.String()
	}
	return "127.0.0.1"
}

var weekdays = map[string]time.Weekday{
	"SUN": time.Sunday, "MON": time.Monday, "TUE": time.Tuesday, "WED": time.Wednesday,
	"THU": time.Thursday, "FRI": time.Friday, "SAT": time.Saturday,
}

// weekdayRange implements weekdayRange(wd1 [, wd2] [, "GMT"]).
func (h *helpers) weekdayRange(args []string) bool {
	now, args := h.clock(args)
	if len(args) == 0 {
		return false
	}
	from, ok := weekdays[strings.ToUpper(args[0])]
	if !ok {
		return false
	}
	to := from
	if len(args) > 1 {
		if to, ok = weekdays[strings.ToUpper(args[1])]; !ok {
			return false
		}
	}
	day := now.Weekday()
	if from <= to {
		return day >= from && day <= to
	}
	return day >= from || day <= to
}

// timeRange implements the hour forms timeRange(h) and timeRange(h1, h2),
// plus timeRange(h1, m1, h2, m2).
func (h *helpers) timeRange(args []string) bool {
	now, args := h.clock(args)
	nums := make([]int, 0, len(args))
	for _, a := range args {
		n, err := strconv.Atoi(a)
		if err != nil {
			return false
		}
		nums = append(nums, n)
	}
	minute := now.Hour()*60 + now.Minute()
	switch len(nums) {
	case 1:
		return now.Hour() == nums[0]
	case 2:
		return inRange(minute, nums[0]*60, nums[1]*60+59)
	case 4:
		return inRange(minute, nums[0]*60+nums[1], nums[2]*60+nums[3])
	default:
		return false
	}
}

var months = map[string]time.Month{
	"JAN": time.January, "FEB": time.February, "MAR": time.March, "APR": time.April,
	"MAY": time.May, "JUN": time.June, "JUL": time.July, "AUG": time.August,
	"SEP": time.September, "OCT": time.October, "NOV": time.November, "DEC": time.December,
}

// dateRange implements dateRange with one value (day, month or year), two
// values of the same kind, or two dates of two or three fields each, e.g.
// dateRange(1, "JUN", 15, "AUG") or dateRange(1, "JUN", 1995, 15, "AUG", 1995).
// Ranges without a year may wrap around the end of the year.
func (h *helpers) dateRange(args []string) bool {
	now, args := h.clock(args)
	var from, to datePart
	switch len(args) {
	case 1:
		var ok bool
		if from, ok = parseDate(args); !ok {
			return false
		}
		to = from
	case 2, 4, 6:
		half := len(args) / 2
		var ok1, ok2 bool
		from, ok1 = parseDate(args[:half])
		to, ok2 = parseDate(args[half:])
		if !ok1 || !ok2 || !from.sameFields(to) {
			return false
		}
	default:
		return false
	}

	cur := from.project(now)
	if from.year != 0 {
		return cur >= from.ordinal() && cur <= to.ordinal()
	}
	return inRange(cur, from.ordinal(), to.ordinal())
}

// datePart is a date with any of its fields unset (zero).
type datePart struct {
	day, month, year int
}

func parseDate(args []string) (datePart, bool) {
	var p datePart
	for _, a := range args {
		if m, ok := months[strings.ToUpper(a)]; ok {
			if p.month != 0 {
				return p, false
			}
			p.month = int(m)
			continue
		}
		n, err := strconv.Atoi(a)
		switch {
		case err != nil || n <= 0:
			return p, false
		case n <= 31 && p.day == 0:
			p.day = n
		case n > 31 && p.year == 0:
			p.year = n
		default:
			return p, false
		}
	}
	return p, true
}

func (p datePart) sameFields(q datePart) bool {
	return (p.day != 0) == (q.day != 0) && (p.month != 0) == (q.month != 0) && (p.year != 0) == (q.year != 0)
}

// ordinal orders dates that set the same fields.
func (p datePart) ordinal() int {
	return p.year*10000 + p.month*100 + p.day
}

// project returns the ordinal of t restricted to the fields p sets.
func (p datePart) project(t time.Time) int {
	var q datePart
	if p.day != 0 {
		q.day = t.Day()
	}
	if p.month != 0 {
		q.month = int(t.Month())
	}
	if p.year != 0 {
		q.year = t.Year()
	}
	return q.ordinal()
}

func inRange(v, from, to int) bool {
	if from <= to {
		return v >= from && v <= to
	}
	return v >= from || v <= to
}

// clock strips a trailing "GMT" argument and returns the matching time.
func (h *helpers) clock(args []string) (time.Time, []string) {
	now := h.now()
	if n := len(args); n > 0 && strings.EqualFold(args[n-1], "GMT") {
		return now.UTC(), args[:n-1]
	}
	return now.Local(), args
}

type regexpCache struct {
	mu sync.Mutex
	m  map[string]*regexp.Regexp
}

func newRegexpCache() *regexpCache {
	return &regexpCache{m: make(map[string]*regexp.Regexp)}
}

func (c *regexpCache) get(pattern string) (*regexp.Regexp, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if re, ok := c.m[pattern]; ok {
		return re, nil
	}
	var b strings.Builder
	b.WriteString("^")
	for _, r := range pattern {
		switch r {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString("$")
	re, err := regexp.Compile(b.String())
	if err != nil {
		return nil, err
	}
	c.m[pattern] = re
	return re, nil
}
