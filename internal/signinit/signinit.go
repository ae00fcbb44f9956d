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

package signinit

import (
	"context"
	"crypto"
	"fmt"
	"time"

	"github.com/cachetsign/cachet/cmdline/shared"
	"github.com/cachetsign/cachet/config"
	"github.com/cachetsign/cachet/lib/audit"
	"github.com/cachetsign/cachet/lib/certloader"
	"github.com/cachetsign/cachet/signers"
	"github.com/cachetsign/cachet/signers/sigerrors"
	"github.com/cachetsign/cachet/token"
)

// InitKey loads the cert chain for a key
func InitKey(ctx context.Context, tok token.Token, keyName string) (*certloader.Certificate, *config.KeyConfig, error) {
	key, err := tok.GetKey(ctx, keyName)
	if err != nil {
		return nil, nil, err
	}
	kconf := key.Config()
	cert, err := certloader.LoadTokenCertificates(key, kconf.X509Certificate, key.Certificate())
	if err != nil {
		return nil, nil, err
	}
	cert.KeyName = keyName
	return cert, kconf, nil
}

// Init prepares to sign using the named key, loading its cert chain and
// assembling the signing options
func Init(ctx context.Context, mod *signers.Signer, tok token.Token, keyName string, hash crypto.Hash, flags *signers.FlagValues) (*certloader.Certificate, *signers.SignOpts, error) {
	cert, kconf, err := InitKey(ctx, tok, keyName)
	if err != nil {
		return nil, nil, err
	}
	// start the audit record for this signature
	auditInfo := audit.New(kconf.Name(), mod.Name, hash)
	now := time.Now().UTC()
	auditInfo.SetTimestamp(now)
	if cert.Leaf == nil {
		return nil, nil, sigerrors.ErrNoCertificate{Type: "x509"}
	}
	auditInfo.SetX509Cert(cert.Leaf)
	if kconf.Timestamp && !flags.GetBool("no-timestamp") {
		cert.Timestamper, err = GetTimestamper()
		if err != nil {
			return nil, nil, err
		}
	}
	opts := signers.SignOpts{
		Hash:  hash,
		Time:  now,
		Audit: auditInfo,
		Flags: flags,
	}
	opts = opts.WithContext(ctx)
	return cert, &opts, nil
}

// PublishAudit sends a finished audit record to the configured message
// broker. It is a no-op when no broker is configured.
func PublishAudit(info *audit.Info) error {
	aconf := shared.CurrentConfig.Amqp
	if aconf != nil && aconf.URL != "" {
		if err := info.Publish(aconf); err != nil {
			return fmt.Errorf("failed to publish audit log: %w", err)
		}
	}
	return nil
}
