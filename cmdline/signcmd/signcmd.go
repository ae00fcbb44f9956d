package signcmd

import (
	"bytes"
	"context"
	"crypto"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/cachetsign/cachet/cmdline/shared"
	"github.com/cachetsign/cachet/cmdline/tokencmd"
	"github.com/cachetsign/cachet/internal/signinit"
	"github.com/cachetsign/cachet/signers"
	"github.com/cachetsign/cachet/token"
)

var SignCmd = &cobra.Command{
	Use:   "sign",
	Short: "Sign files and bundles using a configured key",
	RunE:  signCmd,
}

var (
	argFiles      []string
	argOutput     string
	argKeyName    string
	argSigType    string
	argIfUnsigned bool
	argJobs       int
	argExclude    []string
)

func init() {
	shared.RootCmd.AddCommand(SignCmd)
	SignCmd.Flags().StringVarP(&argKeyName, "key", "k", "", "Name of key section in config file to use")
	SignCmd.Flags().StringArrayVarP(&argFiles, "file", "f", nil, "Input file or bundle directory to sign; can be repeated")
	SignCmd.Flags().StringVarP(&argOutput, "output", "o", "", "Output path (single input only; default is to sign in place)")
	SignCmd.Flags().StringVarP(&argSigType, "sig-type", "T", "", "Specify signature type (default: auto-detect)")
	SignCmd.Flags().BoolVar(&argIfUnsigned, "if-unsigned", false, "Skip signing if the file already has a signature")
	SignCmd.Flags().IntVar(&argJobs, "jobs", 1, "Number of independent artifacts to sign in parallel")
	SignCmd.Flags().StringArrayVar(&argExclude, "exclude", nil, "Copy nested bundles matching this path or glob verbatim instead of re-signing them")
	shared.AddDigestFlag(SignCmd)
	shared.AddLateHook(func() {
		signers.MergeFlags(SignCmd)
	})
}

func signCmd(cmd *cobra.Command, args []string) error {
	if len(argFiles) == 0 || argKeyName == "" {
		return errors.New("--file and --key are required")
	}
	if argOutput != "" && len(argFiles) > 1 {
		return errors.New("--output can only be used with a single --file")
	}
	if argJobs < 1 {
		argJobs = 1
	}
	hash, err := shared.GetDigest()
	if err != nil {
		return shared.Fail(err)
	}
	tok, err := tokencmd.OpenTokenByKey(argKeyName)
	if err != nil {
		return shared.Fail(err)
	}
	// Each artifact is signed independently; within one bundle tree signing
	// stays strictly sequential because parent seals depend on child
	// signatures.
	group, ctx := errgroup.WithContext(context.Background())
	group.SetLimit(argJobs)
	for _, file := range argFiles {
		file := file
		output := argOutput
		if output == "" {
			output = file
		}
		group.Go(func() error {
			return signOne(ctx, cmd, tok, file, output, hash)
		})
	}
	return shared.Fail(group.Wait())
}

func signOne(ctx context.Context, cmd *cobra.Command, tok token.Token, file, output string, hash crypto.Hash) error {
	fi, err := os.Stat(file)
	if err != nil {
		return err
	}
	if fi.IsDir() {
		return signBundle(ctx, cmd, tok, file, output, hash)
	}
	return signFile(ctx, cmd, tok, file, output, hash)
}

func signFile(ctx context.Context, cmd *cobra.Command, tok token.Token, file, output string, hash crypto.Hash) error {
	mod, err := signers.ByFile(file, argSigType)
	if err != nil {
		return fmt.Errorf("%s: %w", file, err)
	}
	if mod.Sign == nil {
		return fmt.Errorf("%s: can't sign files of type: %s", file, mod.Name)
	}
	flags, err := mod.FlagsFromCmdline(cmd.Flags())
	if err != nil {
		return err
	}
	cert, opts, err := signinit.Init(ctx, mod, tok, argKeyName, hash, flags)
	if err != nil {
		return err
	}
	opts.Path = file
	infile, err := shared.OpenForPatching(file, output)
	if err != nil {
		return err
	} else if infile == os.Stdin {
		if !mod.AllowStdin {
			return errors.New("this signature type does not support reading from stdin")
		}
	} else {
		defer infile.Close()
	}
	if argIfUnsigned {
		if infile == os.Stdin {
			return errors.New("cannot use --if-unsigned with standard input")
		}
		if signed, err := mod.IsSigned(infile); err != nil {
			return err
		} else if signed {
			fmt.Fprintf(os.Stderr, "skipping already-signed file: %s\n", file)
			return nil
		}
		if _, err := infile.Seek(0, 0); err != nil {
			return fmt.Errorf("rewinding input file: %w", err)
		}
	}
	// transform the input, sign the stream, and apply the result
	transform, err := mod.GetTransform(infile, *opts)
	if err != nil {
		return err
	}
	stream, err := transform.GetReader()
	if err != nil {
		return err
	}
	blob, err := mod.Sign(stream, cert, *opts)
	if err != nil {
		return err
	}
	mimeType := opts.Audit.GetMimeType()
	if err := transform.Apply(output, mimeType, bytes.NewReader(blob)); err != nil {
		return err
	}
	// if needed, do a final fixup step
	if mod.Fixup != nil {
		f, err := os.OpenFile(output, os.O_RDWR, 0)
		if err != nil {
			return err
		}
		defer f.Close()
		if err := mod.Fixup(f); err != nil {
			return err
		}
	}
	if err := signinit.PublishAudit(opts.Audit); err != nil {
		return err
	}
	fmt.Fprintln(os.Stderr, "Signed", file)
	return nil
}
