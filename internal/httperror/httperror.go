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

// Package httperror turns non-2xx HTTP responses into errors that carry
// enough of the response to be actionable, and classifies which failures
// are worth retrying.
package httperror

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// bodyLimit caps how much of an error response body is retained.
const bodyLimit = 100 * 1024

// Problem is an RFC 7807 "problem details" response body.
type Problem struct {
	Status int    `json:"status"`
	Type   string `json:"type"`

	Title    string `json:"title,omitempty"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`

	// error-specific
	Param  string   `json:"param,omitempty"`
	Errors []string `json:"errors,omitempty"`
}

func (p Problem) Error() string {
	title := p.Title
	if title == "" {
		title = "[" + p.Type + "]"
	}
	msg := fmt.Sprintf("HTTP %d %s", p.Status, title)
	if p.Detail != "" {
		msg += ": " + p.Detail
	}
	return msg
}

func (p Problem) Temporary() bool { return retryableStatus(p.Status) }

// ResponseError holds a non-problem error response verbatim.
type ResponseError struct {
	Method     string
	URL        string
	Status     string
	StatusCode int
	BodyText   string
}

func (e ResponseError) Error() string {
	return fmt.Sprintf("HTTP error:\n%s %s\n%s\n%s", e.Method, e.URL, e.Status, e.BodyText)
}

func (e ResponseError) Temporary() bool { return retryableStatus(e.StatusCode) }

// FromResponse consumes and closes the response body and returns an error
// describing it. Bodies declaring application/problem+json are decoded into
// a Problem; anything else is captured as text.
func FromResponse(resp *http.Response) error {
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, bodyLimit))
	if err != nil {
		return err
	}
	if strings.Contains(resp.Header.Get("Content-Type"), "problem+json") {
		var p Problem
		if json.Unmarshal(body, &p) == nil {
			if p.Status == 0 {
				p.Status = resp.StatusCode
			}
			return p
		}
	}
	return ResponseError{
		Method:     resp.Request.Method,
		URL:        resp.Request.URL.String(),
		Status:     resp.Status,
		StatusCode: resp.StatusCode,
		BodyText:   string(body),
	}
}

func retryableStatus(code int) bool {
	switch code {
	case http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout,
		http.StatusInsufficientStorage:
		return true
	}
	return false
}
