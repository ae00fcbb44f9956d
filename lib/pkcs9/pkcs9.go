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

package pkcs9

import (
	"context"
	"crypto"
	"errors"
	"fmt"

	"github.com/cachetsign/cachet/lib/pkcs7"
	"github.com/cachetsign/cachet/lib/x509tools"
)

// Timestamper produces a timestamp token over a signature.
type Timestamper interface {
	Timestamp(ctx context.Context, req *Request) (*pkcs7.ContentInfoSignedData, error)
}

// Request holds the signature being timestamped. The token's imprint covers
// the digest of EncryptedDigest using the named hash.
type Request struct {
	EncryptedDigest []byte
	Hash            crypto.Hash
}

// TimestampAndMarshal fetches a token over the first signature in psd,
// attaches it as an unsigned attribute, self-checks the result, and returns
// the validated signature along with its final encoding. A nil timestamper
// skips the token but still performs the self-check.
func TimestampAndMarshal(ctx context.Context, psd *pkcs7.ContentInfoSignedData, timestamper Timestamper) (*TimestampedSignature, error) {
	if timestamper != nil {
		if len(psd.Content.SignerInfos) == 0 {
			return nil, errors.New("no signatures to timestamp")
		}
		signerInfo := &psd.Content.SignerInfos[0]
		hash, ok := x509tools.PkixDigestToHash(signerInfo.DigestAlgorithm)
		if !ok {
			return nil, fmt.Errorf("unsupported digest algorithm: %s", signerInfo.DigestAlgorithm.Algorithm)
		}
		token, err := timestamper.Timestamp(ctx, &Request{
			EncryptedDigest: signerInfo.EncryptedDigest,
			Hash:            hash,
		})
		if err != nil {
			return nil, fmt.Errorf("timestamping failed: %w", err)
		}
		if err := AddStampToSignedData(signerInfo, *token); err != nil {
			return nil, err
		}
	}
	verified, err := psd.Content.Verify(nil, true)
	if err != nil {
		return nil, fmt.Errorf("signature self-check failed: %w", err)
	}
	tsig, err := VerifyOptionalTimestamp(verified)
	if err != nil {
		return nil, fmt.Errorf("timestamp self-check failed: %w", err)
	}
	tsig.Raw, err = psd.Marshal()
	if err != nil {
		return nil, err
	}
	return &tsig, nil
}

// AddStampToSignedData attaches a timestamp token to a signature as an
// unsigned attribute.
func AddStampToSignedData(signerInfo *pkcs7.SignerInfo, token pkcs7.ContentInfoSignedData) error {
	return signerInfo.UnauthenticatedAttributes.Add(OidAttributeTimeStampToken, token)
}
