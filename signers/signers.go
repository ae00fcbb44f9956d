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

// Package signers registers one module per signable file format and routes
// files to them by magic, extension, or explicit selection.
package signers

import (
	"crypto"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/cachetsign/cachet/lib/audit"
	"github.com/cachetsign/cachet/lib/certloader"
	"github.com/cachetsign/cachet/lib/magic"
	"github.com/cachetsign/cachet/lib/pkcs9"
	"github.com/cachetsign/cachet/lib/x509tools"
	"github.com/cachetsign/cachet/signers/sigerrors"
)

type Signer struct {
	Name       string
	Aliases    []string
	Magic      magic.FileType
	AllowStdin bool
	// Return true if the given filename is associated with this signer
	TestPath func(string) bool
	// Format audit attributes for logfile
	FormatLog func(*audit.Info) *zerolog.Event
	// Verify a file, returning the set of signatures found. Performs integrity
	// checks but does not build X509 chains.
	Verify func(*os.File, VerifyOpts) ([]*Signature, error)
	// VerifyStream is like Verify but doesn't need to seek.
	VerifyStream func(io.Reader, VerifyOpts) ([]*Signature, error)
	// Transform a file into a stream to sign
	Transform func(*os.File, SignOpts) (Transformer, error)
	// Sign an input stream (possibly transformed) and return a mode-specific result blob
	Sign func(io.Reader, *certloader.Certificate, SignOpts) ([]byte, error)
	// Final step to run on the output after the patch is applied
	Fixup func(*os.File) error

	flags *pflag.FlagSet
}

type Signature struct {
	Package       string
	SigInfo       string
	CreationTime  time.Time
	Hash          crypto.Hash
	Signer        string
	X509Signature *pkcs9.TimestampedSignature
}

func (s *Signature) SignerName() string {
	if s.Signer != "" {
		return s.Signer
	}
	if s.X509Signature != nil {
		return fmt.Sprintf("`%s`", x509tools.FormatSubject(s.X509Signature.Certificate))
	}
	return "UNKNOWN"
}

var (
	registered []*Signer
	byName     = make(map[string]*Signer)
	flagOwners = make(map[string][]string)
)

func Register(s *Signer) {
	registered = append(registered, s)
	for _, name := range append([]string{s.Name}, s.Aliases...) {
		if _, ok := byName[name]; !ok {
			byName[name] = s
		}
	}
}

// ByName returns the signer module with the given name or alias.
func ByName(name string) *Signer {
	return byName[name]
}

// ByMagic returns the signer module responsible for the given file magic.
func ByMagic(m magic.FileType) *Signer {
	if m == magic.FileTypeUnknown {
		return nil
	}
	for _, s := range registered {
		if s.Magic == m {
			return s
		}
	}
	return nil
}

// ByFileName returns the signer module that claims the given filename.
func ByFileName(name string) *Signer {
	for _, s := range registered {
		if s.TestPath != nil && s.TestPath(name) {
			return s
		}
	}
	return nil
}

// ByFile returns the named signer module if sigtype is set, otherwise it
// identifies the file at the given path by contents or extension.
func ByFile(name, sigtype string) (*Signer, error) {
	if sigtype != "" {
		if mod := ByName(sigtype); mod != nil {
			return mod, nil
		}
		return nil, errors.New("no signer with that name")
	}
	if name == "-" {
		return nil, errors.New("reading from standard input is not supported")
	}
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	fileType, compressionType := magic.DetectCompressed(f)
	if compressionType != magic.CompressedNone {
		return nil, errors.New("cannot sign compressed file")
	}
	if mod := ByMagic(fileType); mod != nil {
		return mod, nil
	}
	if mod := ByFileName(name); mod != nil {
		return mod, nil
	}
	return nil, errors.New("unknown filetype")
}

// Flags returns the FlagSet holding this module's options. They are added to
// the "sign" command when the module is selected.
func (s *Signer) Flags() *pflag.FlagSet {
	if s.flags == nil {
		s.flags = pflag.NewFlagSet(s.Name, pflag.ExitOnError)
	}
	return s.flags
}

// MergeFlags adds every module's flags to a command, tracking which module
// owns which flag so that the usage text can be filtered by --sig-type.
func MergeFlags(cmd *cobra.Command) {
	fs := cmd.Flags()
	fs.AddFlagSet(common)
	for _, s := range registered {
		if s.flags == nil {
			continue
		}
		fs.AddFlagSet(s.flags)
		owner := s.Name
		s.flags.VisitAll(func(flag *pflag.Flag) {
			flagOwners[flag.Name] = append(flagOwners[flag.Name], owner)
		})
	}
	orig := cmd.UsageFunc()
	cmd.SetUsageFunc(func(c *cobra.Command) error {
		if t, _ := fs.GetString("sig-type"); t != "" {
			hideForeignFlags(fs, t)
		}
		return orig(c)
	})
}

// hideForeignFlags hides flags that belong only to modules other than the
// selected one.
func hideForeignFlags(fs *pflag.FlagSet, selected string) {
	for name, owners := range flagOwners {
		keep := false
		for _, owner := range owners {
			if owner == selected {
				keep = true
				break
			}
		}
		if !keep {
			_ = fs.MarkHidden(name)
		}
	}
}

// IsSigned checks if a file contains a signature.
func (s *Signer) IsSigned(f *os.File) (bool, error) {
	opts := VerifyOpts{NoDigests: true, NoChain: true}
	var err error
	switch {
	case s.VerifyStream != nil:
		_, err = s.VerifyStream(f, opts)
	case s.Verify != nil:
		_, err = s.Verify(f, opts)
	default:
		return false, errors.New("cannot check if this type of file is signed")
	}
	if err == nil {
		return true, nil
	}
	var notSigned sigerrors.NotSignedError
	if errors.As(err, &notSigned) {
		return false, nil
	}
	return false, err
}
