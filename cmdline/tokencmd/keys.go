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
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/cachetsign/cachet/cmdline/shared"
	"github.com/cachetsign/cachet/internal/signinit"
	"github.com/cachetsign/cachet/lib/certloader"
	"github.com/cachetsign/cachet/lib/fruit/csblob"
	"github.com/cachetsign/cachet/lib/x509tools"
)

var KeysCmd = &cobra.Command{
	Use:   "keys",
	Short: "View configured signing keys",
}

var listKeysCmd = &cobra.Command{
	Use:   "list",
	Short: "List keys in the configuration",
	RunE:  listKeys,
}

var showKeyCmd = &cobra.Command{
	Use:   "show <key>",
	Short: "Show the certificate chain attached to a key",
	Args:  cobra.ExactArgs(1),
	RunE:  showKey,
}

func init() {
	shared.RootCmd.AddCommand(KeysCmd)
	KeysCmd.AddCommand(listKeysCmd)
	KeysCmd.AddCommand(showKeyCmd)
}

func listKeys(cmd *cobra.Command, args []string) error {
	if err := shared.InitConfig(); err != nil {
		return err
	}
	names := make([]string, 0, len(shared.CurrentConfig.Keys))
	for name := range shared.CurrentConfig.Keys {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		keyConf := shared.CurrentConfig.Keys[name]
		identity := ""
		if keyConf.X509Certificate != "" {
			// identify the key without touching the token
			if certs, err := certloader.LoadAnyCerts([]string{keyConf.X509Certificate}); err == nil && len(certs) > 0 {
				identity = x509tools.FormatSubject(certs[0])
			}
		}
		fmt.Printf("%s token=%s %s\n", name, keyConf.Token, identity)
	}
	return nil
}

func showKey(cmd *cobra.Command, args []string) error {
	keyName := args[0]
	tok, err := OpenTokenByKey(keyName)
	if err != nil {
		return shared.Fail(err)
	}
	cert, keyConf, err := signinit.InitKey(context.Background(), tok, keyName)
	if err != nil {
		return shared.Fail(err)
	}
	fmt.Println("Key:      ", keyName)
	fmt.Println("Token:    ", keyConf.Token)
	fmt.Println("Timestamp:", keyConf.Timestamp)
	if cert.Leaf == nil {
		fmt.Println("No certificate is attached to this key")
		return nil
	}
	fmt.Println("Identity: ", cert.Leaf.Subject.CommonName)
	if teamID := csblob.TeamID(cert.Leaf); teamID != "" {
		fmt.Println("Team ID:  ", teamID)
	}
	fmt.Println("Expires:  ", cert.Leaf.NotAfter.Format(time.RFC3339))
	fmt.Println("Chain:")
	for i, c := range cert.Chain() {
		fmt.Printf("  %d: %s\n", i, x509tools.FormatSubject(c))
	}
	return nil
}
