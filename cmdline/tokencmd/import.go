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

package tokencmd

import (
	"context"
	"crypto"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/cachetsign/cachet/cmdline/shared"
	"github.com/cachetsign/cachet/lib/certloader"
	"github.com/cachetsign/cachet/lib/passprompt"
	"github.com/cachetsign/cachet/lib/x509tools"
	"github.com/cachetsign/cachet/signers/sigerrors"
	"github.com/cachetsign/cachet/token"
)

var importKeyCmd = &cobra.Command{
	Use:   "import <key>",
	Short: "Import a private key and certificate chain into a key's token",
	Args:  cobra.ExactArgs(1),
	RunE:  importKey,
}

var generateKeyCmd = &cobra.Command{
	Use:   "generate <key>",
	Short: "Generate a new key pair in a key's token",
	Args:  cobra.ExactArgs(1),
	RunE:  generateKey,
}

var (
	argImportFile string
	argPkcs12     bool
	argRsaBits    uint
	argEcdsaBits  uint
)

func init() {
	KeysCmd.AddCommand(importKeyCmd)
	importKeyCmd.Flags().StringVarP(&argImportFile, "file", "f", "", "Private key file to import: PEM, DER, or PKCS#12")
	importKeyCmd.Flags().BoolVar(&argPkcs12, "pkcs12", false, "Import a PKCS#12 key and certificate chain")
	KeysCmd.AddCommand(generateKeyCmd)
	generateKeyCmd.Flags().UintVar(&argRsaBits, "generate-rsa", 0, "Generate a RSA key of the specified bit size")
	generateKeyCmd.Flags().UintVar(&argEcdsaBits, "generate-ecdsa", 0, "Generate an ECDSA key of the specified curve size")
}

func importKey(cmd *cobra.Command, args []string) error {
	keyName := args[0]
	if argImportFile == "" {
		return errors.New("--file is required")
	}
	blob, err := os.ReadFile(argImportFile)
	if err != nil {
		return shared.Fail(err)
	}
	prompt := new(passprompt.PasswordPrompt)
	var cert *certloader.Certificate
	if argPkcs12 {
		cert, err = certloader.ParsePKCS12(blob, prompt)
		if err != nil {
			return shared.Fail(err)
		}
	} else {
		var privKey crypto.PrivateKey
		privKey, err = certloader.ParseAnyPrivateKey(blob, prompt)
		if err != nil {
			return shared.Fail(err)
		}
		cert = &certloader.Certificate{PrivateKey: privKey}
	}
	tok, err := OpenTokenByKey(keyName)
	if err != nil {
		return shared.Fail(err)
	}
	keyConf, err := shared.CurrentConfig.GetKey(keyName)
	if err != nil {
		return shared.Fail(err)
	}
	var didSomething bool
	key, err := tok.GetKey(context.Background(), keyName)
	if err == nil {
		if cert.Leaf == nil {
			return shared.Fail(errors.New("an object with that label already exists in the token"))
		}
		fmt.Fprintln(os.Stderr, "Private key already exists. Attempting to import certificates.")
	} else if _, ok := err.(sigerrors.KeyNotFoundError); !ok {
		return shared.Fail(err)
	} else {
		key, err = tok.Import(keyName, cert.PrivateKey)
		if err != nil {
			return shared.Fail(err)
		}
		didSomething = true
	}
	if cert.Leaf != nil {
		name := x509tools.FormatSubject(cert.Leaf)
		err := key.ImportCertificate(cert.Leaf)
		if err == sigerrors.ErrExist {
			fmt.Fprintln(os.Stderr, "Certificate already exists:", name)
		} else if err != nil {
			return shared.Fail(fmt.Errorf("importing %s: %w", name, err))
		} else {
			fmt.Fprintln(os.Stderr, "Imported", name)
			didSomething = true
		}
		for _, chain := range cert.Chain() {
			if chain == cert.Leaf {
				continue
			}
			name = x509tools.FormatSubject(chain)
			err = tok.ImportCertificate(chain, keyConf.Label)
			if err == sigerrors.ErrExist {
				fmt.Fprintln(os.Stderr, "Certificate already exists:", name)
			} else if err != nil {
				return shared.Fail(fmt.Errorf("importing %s: %w", name, err))
			} else {
				fmt.Fprintln(os.Stderr, "Imported", name)
				didSomething = true
			}
		}
	}
	if !didSomething {
		return shared.Fail(errors.New("nothing imported"))
	}
	fmt.Fprintln(os.Stderr, "Token CKA_ID: ", formatKeyID(key.GetID()))
	return nil
}

func generateKey(cmd *cobra.Command, args []string) error {
	keyName := args[0]
	tok, err := OpenTokenByKey(keyName)
	if err != nil {
		return shared.Fail(err)
	}
	if _, err := tok.GetKey(context.Background(), keyName); err == nil {
		return shared.Fail(errors.New("an object with that label already exists in the token"))
	} else if _, ok := err.(sigerrors.KeyNotFoundError); !ok {
		return shared.Fail(err)
	}
	var key token.Key
	switch {
	case argRsaBits != 0:
		key, err = tok.Generate(keyName, token.KeyTypeRsa, argRsaBits)
	case argEcdsaBits != 0:
		key, err = tok.Generate(keyName, token.KeyTypeEcdsa, argEcdsaBits)
	default:
		return errors.New("specify --generate-rsa or --generate-ecdsa")
	}
	if err != nil {
		return shared.Fail(err)
	}
	fmt.Fprintln(os.Stderr, "Generated key", keyName)
	fmt.Fprintln(os.Stderr, "Token CKA_ID: ", formatKeyID(key.GetID()))
	return nil
}

func formatKeyID(keyID []byte) string {
	chunks := make([]string, len(keyID))
	for i, b := range keyID {
		chunks[i] = fmt.Sprintf("%02x", b)
	}
	return strings.Join(chunks, ":")
}
