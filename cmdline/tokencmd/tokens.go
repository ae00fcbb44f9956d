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
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/cachetsign/cachet/cmdline/shared"
	"github.com/cachetsign/cachet/config"
	"github.com/cachetsign/cachet/token"
	"github.com/cachetsign/cachet/token/open"
)

var TokensCmd = &cobra.Command{
	Use:   "tokens",
	Short: "View and check signing tokens",
}

var listTokensCmd = &cobra.Command{
	Use:   "list",
	Short: "List tokens provided by a driver",
	RunE:  listTokens,
}

var contentsCmd = &cobra.Command{
	Use:   "contents",
	Short: "List keys in a token",
	RunE:  listContents,
}

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Check whether a token is usable",
	RunE:  pingToken,
}

func init() {
	shared.RootCmd.AddCommand(TokensCmd)
	TokensCmd.PersistentFlags().StringVarP(&argToken, "token", "t", "", "Name of token")
	TokensCmd.PersistentFlags().StringVar(&argProvider, "provider", "", "Provider module path")

	TokensCmd.AddCommand(listTokensCmd)

	TokensCmd.AddCommand(contentsCmd)
	contentsCmd.Flags().StringVarP(&argLabel, "label", "l", "", "Display objects with this label only")
	contentsCmd.Flags().StringVarP(&argID, "id", "i", "", "Display objects with this ID only")
	contentsCmd.Flags().BoolVar(&argValues, "values", false, "Show contents of objects")

	TokensCmd.AddCommand(pingCmd)

	shared.AddLateHook(addProviderTypeHelp) // deferred so token providers can init()
}

func addProviderTypeHelp() {
	var listable []string
	for ptype := range token.Listers {
		listable = append(listable, ptype)
	}
	sort.Strings(listable)
	TokensCmd.PersistentFlags().StringVar(&argType, "type", "", fmt.Sprintf("Provider type (%s)", strings.Join(listable, ", ")))
}

func listTokens(cmd *cobra.Command, args []string) error {
	if argToken == "" && (argType == "" || argProvider == "") {
		return errors.New("--token, or --type and --provider, are required")
	}
	if argToken != "" {
		if err := shared.InitConfig(); err != nil {
			return err
		}
		tokenConf, err := shared.CurrentConfig.GetToken(argToken)
		if err != nil {
			return err
		}
		if argType == "" {
			argType = tokenConf.Type
		}
		if argProvider == "" {
			argProvider = tokenConf.Provider
		}
	}
	return shared.Fail(open.List(argType, argProvider, os.Stdout))
}

func listContents(cmd *cobra.Command, args []string) error {
	if argToken == "" && (argType == "" || argProvider == "") {
		return errors.New("--token, or --type and --provider, are required")
	}
	if err := shared.InitConfig(); err != nil {
		return err
	}
	var tokenConf *config.TokenConfig
	if argToken != "" {
		var err error
		tokenConf, err = shared.CurrentConfig.GetToken(argToken)
		if err != nil {
			return err
		}
	} else {
		argToken = ":new-token:"
		tokenConf = shared.CurrentConfig.NewToken(argToken)
	}
	if argType != "" {
		tokenConf.Type = argType
	}
	if argProvider != "" {
		tokenConf.Provider = argProvider
	}
	tok, err := OpenToken(argToken)
	if err != nil {
		return err
	}
	return shared.Fail(tok.ListKeys(token.ListOptions{
		Output: os.Stdout,
		Label:  argLabel,
		ID:     argID,
		Values: argValues,
	}))
}

func pingToken(cmd *cobra.Command, args []string) error {
	if argToken == "" {
		return errors.New("--token is required")
	}
	tok, err := OpenToken(argToken)
	if err != nil {
		return shared.Fail(err)
	}
	if err := tok.Ping(context.Background()); err != nil {
		return shared.Fail(err)
	}
	fmt.Println("OK")
	return nil
}
