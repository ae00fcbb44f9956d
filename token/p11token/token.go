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

// Package p11token accesses signing keys on a PKCS#11 device.
//go:build cgo

package p11token

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime"
	"sync"

	"github.com/miekg/pkcs11"

	"github.com/cachetsign/cachet/config"
	"github.com/cachetsign/cachet/lib/passprompt"
	"github.com/cachetsign/cachet/signers/sigerrors"
	"github.com/cachetsign/cachet/token"
)

const (
	CKS_RO_PUBLIC_SESSION = 0
	CKS_RO_USER_FUNCTIONS = 1
	CKS_RW_PUBLIC_SESSION = 2
	CKS_RW_USER_FUNCTIONS = 3
	CKS_RW_SO_FUNCTIONS   = 4

	CKA_ID            = pkcs11.CKA_ID
	CKA_LABEL         = pkcs11.CKA_LABEL
	CKA_SERIAL_NUMBER = pkcs11.CKA_SERIAL_NUMBER

	CKK_RSA   = pkcs11.CKK_RSA
	CKK_ECDSA = pkcs11.CKK_ECDSA
)

func init() {
	token.Openers["pkcs11"] = open
	token.Listers["pkcs11"] = List
}

// Provider modules are cached per library path. Initializing the same
// library twice crashes some vendor middleware.
var (
	providerMu sync.Mutex
	providers  = make(map[string]*pkcs11.Ctx)
)

type Token struct {
	cfg      *config.Config
	tokenCfg *config.TokenConfig
	p11      *pkcs11.Ctx
	session  pkcs11.SessionHandle
	prompt   passprompt.PasswordGetter
	mu       sync.Mutex
}

// List prints the tokens found in the named provider module
func List(provider string, output io.Writer) error {
	p11 := pkcs11.New(provider)
	if p11 == nil {
		return errors.New("failed to initialize pkcs11 provider")
	}
	defer p11.Destroy()
	if err := p11.Initialize(); err != nil {
		return err
	}
	slots, err := p11.GetSlotList(false)
	if err != nil {
		return err
	}
	for _, slot := range slots {
		info, err := p11.GetTokenInfo(slot)
		if err != nil {
			if pkcs11.Error(pkcs11.CKR_TOKEN_NOT_PRESENT) == err {
				continue
			}
			return err
		}
		fmt.Fprintf(output, "slot %d:\n manuf:  %s\n model:  %s\n label:  %s\n serial: %s\n",
			slot, info.ManufacturerID, info.Model, info.Label, info.SerialNumber)
	}
	return nil
}

// Open loads the configured PKCS#11 provider, opens a session, and logs in
func Open(conf *config.Config, tokenName string, prompt passprompt.PasswordGetter) (*Token, error) {
	tcfg, err := conf.GetToken(tokenName)
	if err != nil {
		return nil, err
	}
	p11, err := loadProvider(tcfg)
	if err != nil {
		return nil, err
	}
	t := &Token{cfg: conf, tokenCfg: tcfg, p11: p11, prompt: prompt}
	runtime.SetFinalizer(t, (*Token).Close)
	opened := false
	defer func() {
		if !opened {
			t.Close()
		}
	}()
	slot, err := t.findSlot()
	if err != nil {
		return nil, err
	}
	t.session, err = t.p11.OpenSession(slot, pkcs11.CKF_SERIAL_SESSION|pkcs11.CKF_RW_SESSION)
	if err != nil {
		return nil, err
	}
	if err := t.ensureLogin(prompt); err != nil {
		return nil, err
	}
	opened = true
	return t, nil
}

// compat shim for token.Openers
func open(conf *config.Config, tokenName string, prompt passprompt.PasswordGetter) (token.Token, error) {
	return Open(conf, tokenName, prompt)
}

func loadProvider(tcfg *config.TokenConfig) (*pkcs11.Ctx, error) {
	if tcfg.Provider == "" {
		return nil, fmt.Errorf("token %q does not specify required value 'provider'", tcfg.Name())
	}
	providerMu.Lock()
	defer providerMu.Unlock()
	if p11 := providers[tcfg.Provider]; p11 != nil {
		return p11, nil
	}
	p11 := pkcs11.New(tcfg.Provider)
	if p11 == nil {
		return nil, errors.New("failed to initialize pkcs11 provider")
	}
	if err := p11.Initialize(); err != nil {
		p11.Destroy()
		return nil, err
	}
	providers[tcfg.Provider] = p11
	return p11, nil
}

// Close ends the token session
func (t *Token) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.p11 == nil {
		return nil
	}
	err := t.p11.CloseSession(t.session)
	t.p11 = nil
	runtime.SetFinalizer(t, nil)
	return err
}

func (t *Token) Config() *config.TokenConfig {
	return t.tokenCfg
}

// findSlot locates the one slot matching the label and serial filters from
// the token configuration. Anything other than exactly one match is an
// error.
func (t *Token) findSlot() (uint, error) {
	slots, err := t.p11.GetSlotList(false)
	if err != nil {
		return 0, err
	}
	var matched []uint
	for _, slot := range slots {
		info, err := t.p11.GetTokenInfo(slot)
		if err != nil {
			if pkcs11.Error(pkcs11.CKR_TOKEN_NOT_PRESENT) == err {
				continue
			}
			return 0, err
		}
		if want := t.tokenCfg.Label; want != "" && want != info.Label {
			continue
		}
		if want := t.tokenCfg.Serial; want != "" && want != info.SerialNumber {
			continue
		}
		matched = append(matched, slot)
	}
	switch len(matched) {
	case 0:
		return 0, errors.New("no token found with the specified attributes")
	case 1:
		return matched[0], nil
	default:
		return 0, errors.New("multiple tokens matched the specified attributes")
	}
}

// sessionActive reports whether the session is responsive and a user is
// (still) logged in.
func (t *Token) sessionActive() (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	info, err := t.p11.GetSessionInfo(t.session)
	if err != nil {
		return false, err
	}
	switch info.State {
	case CKS_RO_USER_FUNCTIONS, CKS_RW_USER_FUNCTIONS, CKS_RW_SO_FUNCTIONS:
		return true, nil
	}
	return false, nil
}

func (t *Token) Ping(ctx context.Context) error {
	active, err := t.sessionActive()
	if err != nil {
		return err
	} else if !active {
		return errors.New("token not logged in")
	}
	return nil
}

func (t *Token) login(user uint, pin string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	err := t.p11.Login(t.session, user, pin)
	if pkcs11.Error(pkcs11.CKR_PIN_INCORRECT) == err {
		return sigerrors.PinIncorrectError{}
	}
	return err
}

func (t *Token) ensureLogin(prompt passprompt.PasswordGetter) error {
	active, err := t.sessionActive()
	if err != nil || active {
		return err
	}
	user := uint(pkcs11.CKU_USER)
	if t.tokenCfg.User != nil {
		user = *t.tokenCfg.User
	}
	tryPin := func(pin string) (bool, error) {
		switch err := t.login(user, pin); err.(type) {
		case nil:
			return true, nil
		case sigerrors.PinIncorrectError:
			return false, nil
		default:
			return false, err
		}
	}
	prompt1 := fmt.Sprintf("PIN for token %s user %08x: ", t.tokenCfg.Name(), user)
	keyringUser := fmt.Sprintf("%s.%08x", t.tokenCfg.Name(), user)
	return token.Login(t.tokenCfg, prompt, tryPin, keyringUser, prompt1)
}

// Reauthenticate restores a lapsed login so that the interrupted operation
// can be retried. Middleware that enforces per-operation PIN entry, and
// devices that drop the login when idle, both surface this way.
func (t *Token) Reauthenticate() error {
	return t.ensureLogin(t.prompt)
}

// sessionLapsed translates provider errors that mean "log in again" into
// the typed error the retry layer acts on.
func sessionLapsed(err error) error {
	switch err {
	case pkcs11.Error(pkcs11.CKR_USER_NOT_LOGGED_IN),
		pkcs11.Error(pkcs11.CKR_SESSION_HANDLE_INVALID),
		pkcs11.Error(pkcs11.CKR_SESSION_CLOSED):
		return sigerrors.SessionExpiredError{}
	}
	return err
}

// attribute fetches a single attribute of an object, or nil if it could
// not be read.
func (t *Token) attribute(handle pkcs11.ObjectHandle, attr uint) []byte {
	attrs, err := t.p11.GetAttributeValue(t.session, handle, []*pkcs11.Attribute{pkcs11.NewAttribute(attr, nil)})
	if err != nil {
		return nil
	}
	return attrs[0].Value
}

// findHandles runs a complete find operation for objects matching attrs.
func (t *Token) findHandles(attrs []*pkcs11.Attribute) ([]pkcs11.ObjectHandle, error) {
	if err := t.p11.FindObjectsInit(t.session, attrs); err != nil {
		return nil, err
	}
	handles, _, err := t.p11.FindObjects(t.session, 10)
	if err2 := t.p11.FindObjectsFinal(t.session); err == nil {
		err = err2
	}
	if err != nil {
		return nil, err
	}
	return handles, nil
}
