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

// Package sigerrors holds error types shared between signature
// implementations and the tools that drive them.
package sigerrors

import (
	"errors"
	"fmt"
)

// ErrExist is returned when importing a key that is already present.
var ErrExist = errors.New("an object with that label already exists")

// NotSignedError indicates that the file being verified carries no
// signature at all, as opposed to an invalid one.
type NotSignedError struct {
	Type string
}

func (e NotSignedError) Error() string {
	return fmt.Sprintf("%s is not signed", e.Type)
}

// PinIncorrectError indicates the token rejected the supplied PIN.
type PinIncorrectError struct{}

func (PinIncorrectError) Error() string {
	return "incorrect PIN"
}

// SessionExpiredError indicates the token's authenticated session lapsed
// mid-operation and must be re-established before retrying.
type SessionExpiredError struct{}

func (SessionExpiredError) Error() string {
	return "token session is no longer authenticated"
}

// KeyNotFoundError indicates the named key does not exist in the token.
type KeyNotFoundError struct{}

func (KeyNotFoundError) Error() string {
	return "key not found in token"
}

// ErrNoCertificate indicates a key is missing an associated certificate of
// the named kind.
type ErrNoCertificate struct {
	Type string
}

func (e ErrNoCertificate) Error() string {
	return fmt.Sprintf("no certificate of type %q found", e.Type)
}
