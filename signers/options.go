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

package signers

import (
	"context"
	"crypto"
	"crypto/x509"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/pflag"

	"github.com/cachetsign/cachet/lib/audit"
	"github.com/cachetsign/cachet/lib/binpatch"
	"github.com/cachetsign/cachet/lib/magic"
	"github.com/cachetsign/cachet/lib/pkcs7"
	"github.com/cachetsign/cachet/lib/pkcs9"
)

// common holds the flags accepted by every signer module
var common = newCommonFlags()

func newCommonFlags() *pflag.FlagSet {
	fs := pflag.NewFlagSet("common", pflag.ExitOnError)
	fs.Bool("no-timestamp", false, "Do not attach a trusted timestamp even if the selected key configures one")
	return fs
}

type SignOpts struct {
	Path  string
	Hash  crypto.Hash
	Time  time.Time
	Flags *FlagValues
	Audit *audit.Info
	ctx   context.Context
}

// Convenience method to return a binary patch
func (o SignOpts) SetBinPatch(p *binpatch.PatchSet) ([]byte, error) {
	o.Audit.SetMimeType(binpatch.MimeType)
	return p.Dump(), nil
}

// Convenience method to return a PKCS#7 blob
func (o SignOpts) SetPkcs7(ts *pkcs9.TimestampedSignature) ([]byte, error) {
	o.Audit.SetCounterSignature(ts.CounterSignature)
	o.Audit.SetMimeType(pkcs7.MimeType)
	return ts.Raw, nil
}

// WithContext attaches a context to the signature operation, and can be used to cancel long-running operations.
func (o SignOpts) WithContext(ctx context.Context) SignOpts {
	o.ctx = ctx
	return o
}

// Context returns the context attached to the signature operation.
//
// The returned context is always non-nil; it defaults to the background context.
func (o SignOpts) Context() context.Context {
	if o.ctx != nil {
		return o.ctx
	}
	return context.Background()
}

type VerifyOpts struct {
	FileName      string
	TrustedX509   []*x509.Certificate
	TrustedPool   *x509.CertPool
	NoDigests     bool
	NoChain       bool
	RequireTicket bool
	Content       string
	Compression   magic.CompressionType
}

type FlagValues struct {
	Defs   *pflag.FlagSet
	Values map[string]string
}

// FlagsFromCmdline captures the values of this module's flags from the
// merged command line, rejecting flags that belong to other modules.
func (s *Signer) FlagsFromCmdline(fs *pflag.FlagSet) (*FlagValues, error) {
	for flag, owners := range flagOwners {
		if !fs.Changed(flag) {
			continue
		}
		owned := false
		for _, owner := range owners {
			if owner == s.Name {
				owned = true
				break
			}
		}
		if !owned {
			return nil, fmt.Errorf("flag %q is not allowed for signature type %q", flag, s.Name)
		}
	}
	values := &FlagValues{
		Defs:   s.flags,
		Values: make(map[string]string),
	}
	values.capture(fs, common)
	if s.flags != nil {
		values.capture(fs, s.flags)
	}
	return values, nil
}

// capture records the values of defs that were changed on the parsed command
// line fs.
func (v *FlagValues) capture(fs, defs *pflag.FlagSet) {
	defs.VisitAll(func(flag *pflag.Flag) {
		if !fs.Changed(flag.Name) {
			return
		}
		if value := fs.Lookup(flag.Name).Value.String(); value != "" {
			v.Values[flag.Name] = value
		}
	})
}

// GetString returns the flag's value as a string
func (values *FlagValues) GetString(name string) string {
	if v, ok := values.Values[name]; ok {
		return v
	}
	if flag := common.Lookup(name); flag != nil {
		return flag.DefValue
	}
	if values.Defs != nil {
		if flag := values.Defs.Lookup(name); flag != nil {
			return flag.DefValue
		}
	}
	panic("flag " + name + " not defined for signer module")
}

// GetBool returns the flag's value as a bool
func (values *FlagValues) GetBool(name string) bool {
	str := values.GetString(name)
	b, _ := strconv.ParseBool(str)
	return b
}
