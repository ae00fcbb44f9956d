//
// Copyright © Cachet Contributors
//
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
//

package config

import "errors"

const (
	defaultNotaryURL        = "https://appstoreconnect.apple.com/notary/v2"
	defaultSubmissionRegion = "us-west-2"
)

// NotaryConfig names the App Store Connect API key used for notarization.
// The issuer ID, key ID, and .p8 key file all come from the Users and
// Access page of App Store Connect.
type NotaryConfig struct {
	APIIssuerID string `yaml:",omitempty"`
	APIKeyID    string `yaml:",omitempty"`
	APIKeyPath  string `yaml:",omitempty"`

	NotaryURL        string `yaml:",omitempty"`
	SubmissionRegion string `yaml:",omitempty"`
}

// Validate reports every missing required field at once and fills in the
// default endpoint settings.
func (n *NotaryConfig) Validate() error {
	var missing []error
	for _, f := range []struct{ value, name string }{
		{n.APIIssuerID, "API Issuer ID"},
		{n.APIKeyID, "API Key ID"},
		{n.APIKeyPath, "API Key Path"},
	} {
		if f.value == "" {
			missing = append(missing, errors.New(f.name+" is required"))
		}
	}
	if n.NotaryURL == "" {
		n.NotaryURL = defaultNotaryURL
	}
	if n.SubmissionRegion == "" {
		n.SubmissionRegion = defaultSubmissionRegion
	}
	return errors.Join(missing...)
}
