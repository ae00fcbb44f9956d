// Copyright © Cachet Contributors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package ratelimit throttles timestamp requests so that shared authorities
// are not hammered when many signatures are produced at once.
package ratelimit

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/time/rate"

	"github.com/cachetsign/cachet/lib/pkcs7"
	"github.com/cachetsign/cachet/lib/pkcs9"
)

var metricRateLimited = promauto.NewCounter(prometheus.CounterOpts{
	Name: "timestamper_rate_limited_seconds",
	Help: "Cumulative number of seconds waiting for rate limits",
})

type limiter struct {
	next  pkcs9.Timestamper
	limit *rate.Limiter
}

// New wraps a timestamper with a token-bucket rate limit of r requests per
// second. A zero rate returns the timestamper unchanged.
func New(t pkcs9.Timestamper, r float64, burst int) pkcs9.Timestamper {
	if r == 0 {
		return t
	}
	if burst < 1 {
		burst = 1
	}
	return &limiter{next: t, limit: rate.NewLimiter(rate.Limit(r), burst)}
}

func (l *limiter) Timestamp(ctx context.Context, req *pkcs9.Request) (*pkcs7.ContentInfoSignedData, error) {
	start := time.Now()
	if err := l.limit.Wait(ctx); err != nil {
		return nil, err
	}
	if waited := time.Since(start); waited > time.Millisecond {
		metricRateLimited.Add(waited.Seconds())
	}
	return l.next.Timestamp(ctx, req)
}
