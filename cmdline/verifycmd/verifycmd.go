package verifycmd

import (
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/cachetsign/cachet/cmdline/shared"
	"github.com/cachetsign/cachet/lib/certloader"
	"github.com/cachetsign/cachet/lib/fruit/bundle"
	"github.com/cachetsign/cachet/lib/magic"
	"github.com/cachetsign/cachet/lib/x509tools"
	"github.com/cachetsign/cachet/signers"
)

var VerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify signed files and bundles",
	RunE:  verifyCmd,
}

var (
	argNoIntegrityCheck bool
	argNoChain          bool
	argAlsoSystem       bool
	argRequireTicket    bool
	argContent          string
	argTrustedCerts     []string

	trustedCerts []*x509.Certificate
	trustedPool  *x509.CertPool
)

func init() {
	shared.RootCmd.AddCommand(VerifyCmd)
	VerifyCmd.Flags().BoolVar(&argNoIntegrityCheck, "no-integrity-check", false, "Bypass the integrity check of the file contents and only inspect the signature itself")
	VerifyCmd.Flags().BoolVar(&argNoChain, "no-trust-chain", false, "Do not test whether the signing certificate is trusted")
	VerifyCmd.Flags().BoolVar(&argAlsoSystem, "system-store", false, "When --cert is used, append rather than replace the system trust store")
	VerifyCmd.Flags().BoolVar(&argRequireTicket, "require-notarization", false, "Fail files that have no stapled notarization ticket")
	VerifyCmd.Flags().StringVar(&argContent, "content", "", "Specify file containing contents for detached signatures")
	VerifyCmd.Flags().StringArrayVar(&argTrustedCerts, "cert", nil, "Add a trusted root certificate (PEM, DER, or PKCS#7)")
}

func verifyCmd(cmd *cobra.Command, args []string) error {
	if len(args) == 0 {
		return errors.New("expected 1 or more files")
	}
	if err := loadCerts(); err != nil {
		return shared.Fail(err)
	}
	rc := 0
	for _, path := range args {
		if err := verifyOne(path); err != nil {
			fmt.Printf("%s ERROR: %s\n", path, err)
			rc = 1
		}
	}
	if rc != 0 {
		fmt.Fprintln(os.Stderr, "ERROR: 1 or more files did not validate")
	}
	os.Exit(rc)
	return nil
}

// loadCerts builds the trust anchors for chain checking. With no --cert and no
// --system-store the pool stays nil and chains are not checked.
func loadCerts() error {
	certs, err := certloader.LoadAnyCerts(argTrustedCerts)
	if err != nil {
		return err
	}
	trustedCerts = certs
	if len(trustedCerts) > 0 || argAlsoSystem {
		if argAlsoSystem {
			trustedPool, err = x509.SystemCertPool()
			if err != nil {
				return err
			}
		} else {
			trustedPool = x509.NewCertPool()
		}
		for _, cert := range trustedCerts {
			trustedPool.AddCert(cert)
		}
	}
	return nil
}

func verifyOne(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return verifyBundle(path)
	}
	f, err := shared.OpenFile(path)
	if err != nil {
		return err
	}
	defer f.Close()
	fileType, compression := magic.DetectCompressed(f)
	if _, err := f.Seek(0, 0); err != nil {
		return err
	}
	mod := signers.ByMagic(fileType)
	if mod == nil {
		mod = signers.ByFileName(path)
	}
	if mod == nil {
		return errors.New("unknown filetype")
	}
	opts := signers.VerifyOpts{
		FileName:      path,
		TrustedX509:   trustedCerts,
		TrustedPool:   trustedPool,
		NoDigests:     argNoIntegrityCheck,
		NoChain:       argNoChain,
		RequireTicket: argRequireTicket,
		Content:       argContent,
		Compression:   compression,
	}
	var sigs []*signers.Signature
	switch {
	case mod.Verify != nil:
		sigs, err = mod.Verify(f, opts)
	case mod.VerifyStream != nil:
		sigs, err = mod.VerifyStream(f, opts)
	default:
		return fmt.Errorf("cannot verify files of type %q", mod.Name)
	}
	if err != nil {
		return err
	}
	for _, sig := range sigs {
		printSignature(path, sig)
	}
	return nil
}

func printSignature(path string, sig *signers.Signature) {
	name := path
	if sig.Package != "" {
		name += "(" + sig.Package + ")"
	}
	if ts := sig.X509Signature; ts != nil && ts.CounterSignature != nil {
		fmt.Printf("%s(timestamp): OK - [%s] %s\n", name, ts.CounterSignature.SigningTime, x509tools.FormatSubject(ts.CounterSignature.Certificate))
	}
	var bits []string
	if hashName := x509tools.HashNames[sig.Hash]; hashName != "" {
		bits = append(bits, "["+hashName+"]")
	}
	if sig.SigInfo != "" {
		bits = append(bits, sig.SigInfo)
	}
	bits = append(bits, sig.SignerName())
	fmt.Printf("%s: OK - %s\n", name, strings.Join(bits, " "))
}

// verifyBundle checks a signed bundle directory, printing every problem found
// before failing so that a damaged bundle is reported in full.
func verifyBundle(path string) error {
	params := bundle.VerifyParams{
		RequireTicket: argRequireTicket,
		SkipDigests:   argNoIntegrityCheck,
	}
	if !argNoChain {
		params.TrustedRoots = trustedPool
	}
	res, err := bundle.Verify(path, params)
	if err != nil {
		return err
	}
	for _, p := range res.Problems {
		fmt.Printf("%s: PROBLEM - %s\n", path, p)
	}
	if n := len(res.Problems); n == 1 {
		return errors.New("1 problem found")
	} else if n > 1 {
		return fmt.Errorf("%d problems found", n)
	}
	sig := res.Signature
	if sig == nil {
		fmt.Printf("%s: OK - resources sealed, no main executable\n", path)
		return nil
	}
	si := sig.Blob.Directories[0].SigningIdentity
	if t := sig.Blob.Directories[0].TeamIdentifier; t != "" {
		si += fmt.Sprintf("[TeamID:%s]", t)
	}
	if len(res.Ticket) > 0 || len(sig.Blob.NotaryTicket) > 0 {
		si += "[HasNotaryTicket]"
	}
	printSignature(path, &signers.Signature{
		Hash:          sig.HashFunc,
		SigInfo:       si,
		X509Signature: sig.Signature,
	})
	return nil
}
