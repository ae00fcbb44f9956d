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
	"bytes"
	"crypto"
	"crypto/hmac"
	"encoding/asn1"
	"errors"
	"fmt"
	"net/http"

	"github.com/cachetsign/cachet/lib/pkcs7"
	"github.com/cachetsign/cachet/lib/x509tools"
)

// NewRequest builds a timestamp query over the given imprint along with the
// HTTP request that carries it.
func NewRequest(url string, hash crypto.Hash, hashValue []byte) (msg *TimeStampReq, req *http.Request, err error) {
	alg, ok := x509tools.PkixDigestAlgorithm(hash)
	if !ok {
		return nil, nil, errors.New("unsupported digest algorithm")
	}
	msg = &TimeStampReq{
		Version: 1,
		MessageImprint: MessageImprint{
			HashAlgorithm: alg,
			HashedMessage: hashValue,
		},
		Nonce:   x509tools.MakeSerial(),
		CertReq: true,
	}
	reqbytes, err := asn1.Marshal(*msg)
	if err != nil {
		return nil, nil, err
	}
	req, err = http.NewRequest(http.MethodPost, url, bytes.NewReader(reqbytes))
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("Content-Type", "application/timestamp-query")
	return msg, req, nil
}

// ParseResponse checks the TSA response for the request and returns the
// token. A denied request or a token that does not match the request is a
// hard error.
func (req *TimeStampReq) ParseResponse(body []byte) (*pkcs7.ContentInfoSignedData, error) {
	respmsg := new(TimeStampResp)
	if rest, err := asn1.Unmarshal(body, respmsg); err != nil {
		return nil, fmt.Errorf("parsing timestamp response: %w", err)
	} else if len(rest) != 0 {
		return nil, errors.New("parsing timestamp response: trailing bytes")
	} else if respmsg.Status.Status > StatusGrantedWithMods {
		return nil, fmt.Errorf("timestamp request denied: status=%d failureInfo=%x",
			respmsg.Status.Status, respmsg.Status.FailInfo.Bytes)
	}
	if err := req.SanityCheckToken(&respmsg.TimeStampToken); err != nil {
		return nil, fmt.Errorf("checking timestamp token: %w", err)
	}
	return &respmsg.TimeStampToken, nil
}

// SanityCheckToken verifies the token's own signature and matches it against
// the nonce and imprint from the original request.
func (req *TimeStampReq) SanityCheckToken(psd *pkcs7.ContentInfoSignedData) error {
	if _, err := psd.Content.Verify(nil, false); err != nil {
		return err
	}
	info, err := UnpackTokenInfo(psd)
	if err != nil {
		return err
	}
	if req.Nonce.Cmp(info.Nonce) != 0 {
		return errors.New("request nonce mismatch")
	}
	if !hmac.Equal(info.MessageImprint.HashedMessage, req.MessageImprint.HashedMessage) {
		return errors.New("message imprint mismatch")
	}
	return nil
}

// UnpackTokenInfo extracts the TSTInfo from a timestamp token.
func UnpackTokenInfo(psd *pkcs7.ContentInfoSignedData) (*TSTInfo, error) {
	infobytes, err := psd.Content.ContentInfo.Bytes()
	if err != nil {
		return nil, fmt.Errorf("unpacking TSTInfo: %w", err)
	} else if len(infobytes) == 0 {
		return nil, errors.New("unpacking TSTInfo: token has no content")
	} else if infobytes[0] == 0x04 {
		// unwrap an extra OCTET STRING emitted by some authorities
		if _, err := asn1.Unmarshal(infobytes, &infobytes); err != nil {
			return nil, fmt.Errorf("unpacking TSTInfo: %w", err)
		}
	}
	info := new(TSTInfo)
	if _, err := asn1.Unmarshal(infobytes, info); err != nil {
		return nil, fmt.Errorf("unpacking TSTInfo: %w", err)
	}
	return info, nil
}
