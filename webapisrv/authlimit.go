package webapisrv

import (
	"net"
	"sync"
	"time"
)

// BadAuthDelay is the delay before responding to a failed authentication
// attempt. Tests set it to 0.
var BadAuthDelay = time.Second

// limiterFailedAuth limits failed authentication attempts per remote IP: max 10
// per minute and 50 per day.
var limiterFailedAuth = newAuthLimiter(
	authWindow{time.Minute, 10},
	authWindow{24 * time.Hour, 50},
)

type authWindow struct {
	window time.Duration
	limit  int64
}

type windowCounts struct {
	authWindow
	period int64 // Time/window of counts.
	counts map[[16]byte]int64
}

// authLimiter counts failed authentication attempts per IP in fixed windows.
// IPv6 addresses are counted per /64.
type authLimiter struct {
	sync.Mutex
	windows []windowCounts
}

func newAuthLimiter(windows ...authWindow) *authLimiter {
	l := &authLimiter{}
	for _, w := range windows {
		l.windows = append(l.windows, windowCounts{authWindow: w})
	}
	return l
}

func authKey(ip net.IP) [16]byte {
	if ip.To4() == nil {
		ip = ip.Mask(net.CIDRMask(64, 128))
	}
	var k [16]byte
	copy(k[:], ip.To16())
	return k
}

// advance starts new periods for windows that have passed. Must be called with
// lock held.
func (l *authLimiter) advance(tm time.Time) {
	for i := range l.windows {
		w := &l.windows[i]
		p := tm.UnixNano() / int64(w.window)
		if p != w.period || w.counts == nil {
			w.period = p
			w.counts = map[[16]byte]int64{}
		}
	}
}

// CanAttempt returns whether another authentication attempt is allowed for ip.
func (l *authLimiter) CanAttempt(ip net.IP, tm time.Time) bool {
	l.Lock()
	defer l.Unlock()
	l.advance(tm)
	k := authKey(ip)
	for _, w := range l.windows {
		if w.counts[k] >= w.limit {
			return false
		}
	}
	return true
}

// Failed records a failed attempt for ip.
func (l *authLimiter) Failed(ip net.IP, tm time.Time) {
	l.Lock()
	defer l.Unlock()
	l.advance(tm)
	k := authKey(ip)
	for _, w := range l.windows {
		w.counts[k]++
	}
}

// Reset clears the failed attempts for ip, after a successful authentication.
func (l *authLimiter) Reset(ip net.IP, tm time.Time) {
	l.Lock()
	defer l.Unlock()
	l.advance(tm)
	k := authKey(ip)
	for _, w := range l.windows {
		delete(w.counts, k)
	}
}
