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

package signinit

import (
	"sync"

	"github.com/cachetsign/cachet/cmdline/shared"
	"github.com/cachetsign/cachet/lib/pkcs9"
	"github.com/cachetsign/cachet/lib/pkcs9/tsclient"
)

var (
	mu sync.Mutex
	ts pkcs9.Timestamper
)

// GetTimestamper returns a timestamper built from the current configuration,
// sharing one instance across all signing operations.
func GetTimestamper() (pkcs9.Timestamper, error) {
	mu.Lock()
	defer mu.Unlock()
	var err error
	if ts == nil {
		ts, err = newTimestamper()
	}
	return ts, err
}

func newTimestamper() (pkcs9.Timestamper, error) {
	tsconf, err := shared.CurrentConfig.GetTimestampConfig()
	if err != nil {
		return nil, err
	}
	return tsclient.New(tsconf)
}
