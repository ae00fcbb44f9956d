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

package httperror

import (
	"context"
	"errors"
	"io"
	"os"
)

type temporary interface {
	Temporary() bool
}

// Temporary reports whether err looks like a transient failure that a
// retry could plausibly clear: a retryable HTTP status, an OS-level
// socket error, a cancelled or expired context, or a short read.
func Temporary(err error) bool {
	if err == nil {
		return false
	}
	var t temporary
	if errors.As(err, &t) && t.Temporary() {
		return true
	}
	return errors.As(err, new(*os.SyscallError)) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, io.ErrUnexpectedEOF)
}
