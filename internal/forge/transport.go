package forge

import (
	"net/http"

	"golang.org/x/time/rate"
)

// paceTransport bounds concurrent in-flight requests and paces them through a
// token-bucket limiter, guarding against GitHub's secondary rate limits.
type paceTransport struct {
	limiter *rate.Limiter // nil = unpaced
	sem     chan struct{} // nil = unbounded
	base    http.RoundTripper
}

func (t *paceTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.sem != nil {
		select {
		case t.sem <- struct{}{}:
			defer func() { <-t.sem }()
		case <-req.Context().Done():
			return nil, req.Context().Err()
		}
	}
	if t.limiter != nil {
		if err := t.limiter.Wait(req.Context()); err != nil {
			return nil, err
		}
	}
	return t.base.RoundTrip(req)
}
