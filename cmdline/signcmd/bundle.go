package signcmd

import (
	"context"
	"crypto"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/cachetsign/cachet/internal/signinit"
	"github.com/cachetsign/cachet/lib/audit"
	"github.com/cachetsign/cachet/lib/fruit/bundle"
	"github.com/cachetsign/cachet/lib/fruit/csblob"
	"github.com/cachetsign/cachet/signers"
	"github.com/cachetsign/cachet/signers/sigerrors"
	"github.com/cachetsign/cachet/token"
)

// signBundle signs a bundle directory and everything nested inside it. The
// mach-o signer module's flags apply to the code objects the tree holds.
func signBundle(ctx context.Context, cmd *cobra.Command, tok token.Token, file, output string, hash crypto.Hash) error {
	mod := signers.ByName("mach-o")
	flags, err := mod.FlagsFromCmdline(cmd.Flags())
	if err != nil {
		return err
	}
	bs, err := bundle.NewSigner(file)
	if err != nil {
		return err
	}
	if argIfUnsigned && bundleIsSigned(bs.Bundle()) {
		fmt.Fprintf(os.Stderr, "skipping already-signed bundle: %s\n", file)
		return nil
	}
	settings, err := bundleSettings(flags, hash)
	if err != nil {
		return err
	}
	cert, kconf, err := signinit.InitKey(ctx, tok, argKeyName)
	if err != nil {
		return err
	}
	if cert.Leaf == nil {
		return sigerrors.ErrNoCertificate{Type: "x509"}
	}
	if kconf.Timestamp && !settings.NoTimestamp {
		cert.Timestamper, err = signinit.GetTimestamper()
		if err != nil {
			return err
		}
	}
	if filepath.Clean(output) == filepath.Clean(file) {
		log.Warn().Str("bundle", file).Msg("signing bundle in place; a failure part way can leave the tree partially signed")
	}
	if err := bs.WriteSignedBundle(ctx, output, cert, settings); err != nil {
		return err
	}
	auditInfo := audit.New(kconf.Name(), "bundle", hash)
	auditInfo.SetX509Cert(cert.Leaf)
	ident := settings.Identifier
	if ident == "" {
		ident = bs.Bundle().Identifier()
	}
	auditInfo.Attributes["mach-o.bundle-id"] = ident
	auditInfo.Attributes["mach-o.team-id"] = csblob.TeamID(cert.Leaf)
	if err := signinit.PublishAudit(auditInfo); err != nil {
		return err
	}
	fmt.Fprintln(os.Stderr, "Signed", file)
	return nil
}

// bundleSettings maps the mach-o signing flags onto bundle settings.
func bundleSettings(flags *signers.FlagValues, hash crypto.Hash) (*bundle.SigningSettings, error) {
	settings := &bundle.SigningSettings{
		Identifier:  flags.GetString("bundle-id"),
		HashFunc:    hash,
		NoTimestamp: flags.GetBool("no-timestamp"),
		Exclude:     argExclude,
	}
	if fp := flags.GetString("entitlements"); fp != "" {
		blob, err := os.ReadFile(fp)
		if err != nil {
			return nil, fmt.Errorf("entitlements: %w", err)
		}
		settings.Entitlements = blob
	}
	if fp := flags.GetString("info-plist"); fp != "" {
		blob, err := os.ReadFile(fp)
		if err != nil {
			return nil, fmt.Errorf("info-plist: %w", err)
		}
		settings.InfoPlist = blob
	}
	if flags.GetBool("hardened-runtime") {
		settings.Flags |= csblob.FlagRuntime
	}
	return settings, nil
}

func bundleIsSigned(b *bundle.Bundle) bool {
	_, err := os.Stat(filepath.Join(b.ContentRoot(), "_CodeSignature", "CodeResources"))
	return err == nil
}
