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

package main

import (
	"runtime/debug"
	"strings"

	"github.com/cachetsign/cachet/cmdline/shared"
	"github.com/cachetsign/cachet/config"

	_ "github.com/cachetsign/cachet/cmdline/notarycmd"
	_ "github.com/cachetsign/cachet/cmdline/showcmd"
	_ "github.com/cachetsign/cachet/cmdline/signcmd"
	_ "github.com/cachetsign/cachet/cmdline/tokencmd"
	_ "github.com/cachetsign/cachet/cmdline/verifycmd"

	_ "github.com/cachetsign/cachet/signers/dmg"
	_ "github.com/cachetsign/cachet/signers/macho"
	_ "github.com/cachetsign/cachet/signers/pkcs"
	_ "github.com/cachetsign/cachet/signers/xar"
)

var (
	version = "unknown" // set this at link time
	commit  = "unknown" // set this at link time
)

func main() {
	if version != "unknown" {
		// normal CI compilation path
		config.Version = version
		config.Commit = commit
	} else if bi, ok := debug.ReadBuildInfo(); ok {
		// built from go module with `go install`
		if strings.HasPrefix(bi.Main.Version, "v") {
			config.Version = bi.Main.Version
			config.Commit = bi.Main.Sum
		}
	}

	config.UserAgent = "cachet/" + config.Version
	shared.Main()
}
