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

// Package timestampcache memoizes timestamp tokens in memcached, keyed by
// the signature being stamped. Identical signing requests within the expiry
// window reuse the same token instead of asking the authority again.
package timestampcache

import (
	"context"
	"crypto/sha256"
	"fmt"
	"log"
	"time"

	"github.com/bradfitz/gomemcache/memcache"

	"github.com/cachetsign/cachet/lib/pkcs7"
	"github.com/cachetsign/cachet/lib/pkcs9"
)

const (
	memcacheTimeout = 1 * time.Second
	memcacheExpiry  = 7 * 24 * time.Hour
)

type timestampCache struct {
	next pkcs9.Timestamper
	mc   *memcache.Client
}

// New wraps a timestamper with a memcached-backed token cache.
func New(t pkcs9.Timestamper, servers []string) (pkcs9.Timestamper, error) {
	selector := new(memcache.ServerList)
	if err := selector.SetServers(servers...); err != nil {
		return nil, fmt.Errorf("parsing memcache servers: %w", err)
	}
	mc := memcache.NewFromSelector(selector)
	mc.Timeout = memcacheTimeout
	return &timestampCache{next: t, mc: mc}, nil
}

func (c *timestampCache) Timestamp(ctx context.Context, req *pkcs9.Request) (*pkcs7.ContentInfoSignedData, error) {
	key := cacheKey(req)
	if token := c.get(key); token != nil {
		return token, nil
	}
	token, err := c.next.Timestamp(ctx, req)
	if err == nil {
		c.set(key, token)
	}
	return token, err
}

func cacheKey(req *pkcs9.Request) string {
	d := sha256.New()
	d.Write(req.EncryptedDigest)
	return fmt.Sprintf("tst-%d-%x", req.Hash, d.Sum(nil))
}

func (c *timestampCache) get(key string) *pkcs7.ContentInfoSignedData {
	item, err := c.mc.Get(key)
	if err != nil {
		return nil
	}
	token, err := pkcs7.Unmarshal(item.Value)
	if err != nil {
		log.Printf("warning: failed to parse cached timestamp with key %s: %s", key, err)
		return nil
	}
	return token
}

func (c *timestampCache) set(key string, token *pkcs7.ContentInfoSignedData) {
	blob, err := token.Marshal()
	if err != nil {
		log.Printf("warning: failed to save cached timestamp: %s", err)
		return
	}
	if err := c.mc.Set(&memcache.Item{
		Key:        key,
		Value:      blob,
		Expiration: int32(memcacheExpiry / time.Second),
	}); err != nil {
		log.Printf("warning: failed to save cached timestamp: %s", err)
	}
}
