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

package shared

import (
	"errors"
	"fmt"
	"os"

	"github.com/cachetsign/cachet/config"
)

// InitConfig parses the configuration named by --config, the CACHET_CONFIG
// environment variable, or the default location, in that order. It is an
// error if none of them point at an existing file.
func InitConfig() error {
	if CurrentConfig != nil {
		return nil
	}
	usedDefault := false
	if ArgConfig == "" {
		ArgConfig = os.Getenv("CACHET_CONFIG")
	}
	if ArgConfig == "" {
		ArgConfig = config.DefaultConfig()
		if ArgConfig == "" {
			return errors.New("--config not specified")
		}
		usedDefault = true
	}
	cfg, err := config.ReadFile(ArgConfig)
	if err != nil {
		if os.IsNotExist(err) && usedDefault {
			return fmt.Errorf("--config not specified and default config at %s does not exist", ArgConfig)
		}
		return err
	}
	CurrentConfig = cfg
	return nil
}

// InitConfigIfExists parses the configuration like InitConfig, but a missing
// default config file is not an error; CurrentConfig is simply left nil.
func InitConfigIfExists() error {
	if ArgConfig == "" && os.Getenv("CACHET_CONFIG") == "" {
		path := config.DefaultConfig()
		if path == "" {
			return nil
		}
		if _, err := os.Stat(path); err != nil {
			return nil
		}
	}
	return InitConfig()
}

func OpenFile(path string) (*os.File, error) {
	if path == "-" {
		return os.Stdin, nil
	}
	return os.Open(path)
}

// OpenForPatching opens inpath for signing. When the signed result will be
// patched over the input itself the file is opened for writing as well, so
// that a same-sized signature can be spliced in place.
func OpenForPatching(inpath, outpath string) (*os.File, error) {
	switch {
	case inpath == "-":
		return os.Stdin, nil
	case inpath == outpath:
		return os.OpenFile(inpath, os.O_RDWR, 0)
	default:
		return os.Open(inpath)
	}
}

func Fail(err error) error {
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(70)
	}
	return err
}
