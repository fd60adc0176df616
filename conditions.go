package welfarekit

import (
	"fmt"
	"net/netip"
	"strings"
	"time"
)

// PermissionConditions restrict when and from where a held permission may be used.
type PermissionConditions struct {
	TimeWindow       *TimeWindow
	AllowedDays      []time.Weekday
	AllowedIPs       []string // addresses or CIDR ranges
	BlockedIPs       []string // addresses or CIDR ranges
	RequiresApproval bool
	RateLimit        *RateLimitRule
}

// TimeWindow is an hour range [StartHour, EndHour) in the service time zone.
// When EndHour <= StartHour the window wraps past midnight.
type TimeWindow struct {
	StartHour int
	EndHour   int
}

// Contains reports whether t falls inside the window.
func (w TimeWindow) Contains(t time.Time) bool {
	h := t.Hour()
	if w.StartHour == w.EndHour {
		return true
	}
	if w.StartHour < w.EndHour {
		return h >= w.StartHour && h < w.EndHour
	}
	return h >= w.StartHour || h < w.EndHour
}

// RateLimitRule caps uses of a permission per user per fixed window.
type RateLimitRule struct {
	MaxRequests int
	Window      time.Duration
}

func (c PermissionConditions) validate() error {
	var problems []string
	if w := c.TimeWindow; w != nil {
		if w.StartHour < 0 || w.StartHour > 23 || w.EndHour < 0 || w.EndHour > 24 {
			problems = append(problems, fmt.Sprintf("hour window %d-%d out of range", w.StartHour, w.EndHour))
		}
	}
	for _, entry := range append(append([]string{}, c.AllowedIPs...), c.BlockedIPs...) {
		if _, err := parseIPEntry(entry); err != nil {
			problems = append(problems, fmt.Sprintf("ip entry %q: %v", entry, err))
		}
	}
	if rl := c.RateLimit; rl != nil && (rl.MaxRequests <= 0 || rl.Window <= 0) {
		problems = append(problems, "rate limit needs positive max requests and window")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%s", strings.Join(problems, ", "))
	}
	return nil
}

// withinSchedule checks the hour window and the allowed weekdays.
func (c PermissionConditions) withinSchedule(t time.Time) bool {
	if c.TimeWindow != nil && !c.TimeWindow.Contains(t) {
		return false
	}
	if len(c.AllowedDays) > 0 {
		day := t.Weekday()
		for _, d := range c.AllowedDays {
			if d == day {
				return true
			}
		}
		return false
	}
	return true
}

// ipPermitted checks the block list first, then the allow list.
// An unparseable or missing address is refused whenever either list is set.
func (c PermissionConditions) ipPermitted(ip string) bool {
	if len(c.AllowedIPs) == 0 && len(c.BlockedIPs) == 0 {
		return true
	}
	addr, err := parseClientAddr(ip)
	if err != nil {
		return false
	}
	for _, entry := range c.BlockedIPs {
		if prefix, err := parseIPEntry(entry); err == nil && prefix.Contains(addr) {
			return false
		}
	}
	if len(c.AllowedIPs) == 0 {
		return true
	}
	for _, entry := range c.AllowedIPs {
		if prefix, err := parseIPEntry(entry); err == nil && prefix.Contains(addr) {
			return true
		}
	}
	return false
}

// parseIPEntry accepts a single address or a CIDR range.
func parseIPEntry(entry string) (netip.Prefix, error) {
	entry = strings.TrimSpace(entry)
	if strings.Contains(entry, "/") {
		p, err := netip.ParsePrefix(entry)
		if err != nil {
			return netip.Prefix{}, err
		}
		return p.Masked(), nil
	}
	addr, err := netip.ParseAddr(entry)
	if err != nil {
		return netip.Prefix{}, err
	}
	addr = addr.Unmap()
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}

// parseClientAddr reads the first address of an X-Forwarded-For style value,
// tolerating a trailing port.
func parseClientAddr(raw string) (netip.Addr, error) {
	raw = strings.TrimSpace(strings.Split(raw, ",")[0])
	if ap, err := netip.ParseAddrPort(raw); err == nil {
		return ap.Addr().Unmap(), nil
	}
	addr, err := netip.ParseAddr(raw)
	if err != nil {
		return netip.Addr{}, err
	}
	return addr.Unmap(), nil
}
