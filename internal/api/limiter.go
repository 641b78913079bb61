package api

import (
	"net"
	"net/http"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"
)

const maxTrackedClients = 4096

// clientLimiter throttles destructive routes per client address. The least
// recently seen clients are forgotten once maxTrackedClients is reached.
type clientLimiter struct {
	limit   rate.Limit
	burst   int
	clients *lru.Cache[string, *rate.Limiter]
}

func newClientLimiter(perSecond float64, burst int) *clientLimiter {
	clients, _ := lru.New[string, *rate.Limiter](maxTrackedClients)
	return &clientLimiter{limit: rate.Limit(perSecond), burst: burst, clients: clients}
}

func (l *clientLimiter) get(client string) *rate.Limiter {
	if lim, ok := l.clients.Get(client); ok {
		return lim
	}
	lim := rate.NewLimiter(l.limit, l.burst)
	// a concurrent first request may have stored one already
	if prev, ok, _ := l.clients.PeekOrAdd(client, lim); ok {
		return prev
	}
	return lim
}

// wait reports how long client must wait before its next request; zero
// means the request is allowed and has been counted
func (l *clientLimiter) wait(client string, now time.Time) time.Duration {
	res := l.get(client).ReserveN(now, 1)
	if !res.OK() {
		return time.Second
	}
	d := res.DelayFrom(now)
	if d > 0 {
		res.CancelAt(now)
	}
	return d
}

func (l *clientLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if d := l.wait(clientKey(r), time.Now()); d > 0 {
			setRetryAfter(w, d)
			writeError(w, http.StatusTooManyRequests, "too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientKey is the remote host; RealIP has already applied forwarding headers
func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
