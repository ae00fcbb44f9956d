package notarycmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"path"
	"time"

	"github.com/spf13/cobra"

	"github.com/cachetsign/cachet/cmdline/shared"
	"github.com/cachetsign/cachet/config"
	"github.com/cachetsign/cachet/lib/fruit/notary"
)

var (
	argKeyID   string
	argKeyFile string
	argIssuer  string
	argLogFile string
	argNoWait  bool
	argNoLog   bool
	argJSON    bool
	argTimeout time.Duration
)

func init() {
	notaryCmd := &cobra.Command{
		Use:   "notary",
		Short: "Commands related to App Store Connect notarization",
	}
	shared.RootCmd.AddCommand(notaryCmd)

	infoCmd := &cobra.Command{
		Use:   "info <submission-id>",
		Short: "Get status of a previously-initiated submission",
		Args:  cobra.ExactArgs(1),
		RunE:  runInfo,
	}
	addAPIFlags(infoCmd)
	notaryCmd.AddCommand(infoCmd)

	logsCmd := &cobra.Command{
		Use:   "logs <submission-id>",
		Short: "Get logs from a submission",
		Args:  cobra.ExactArgs(1),
		RunE:  runLogs,
	}
	addAPIFlags(logsCmd)
	notaryCmd.AddCommand(logsCmd)

	submitCmd := &cobra.Command{
		Use:   "submit file.zip|file.pkg|file.dmg",
		Short: "Submit a bundle to App Store Connect for notarization",
		Args:  cobra.ExactArgs(1),
		RunE:  runSubmit,
	}
	addAPIFlags(submitCmd)
	flags := submitCmd.Flags()
	flags.BoolVar(&argNoWait, "no-wait", false, "Exit after submission without waiting for results")
	flags.BoolVar(&argNoLog, "no-print-log", false, "Don't print submission log after a rejected submission")
	flags.DurationVar(&argTimeout, "timeout", 0, "Maximum wait time before exiting without a result")
	flags.StringVar(&argLogFile, "notary-log-file", "submission.log", "Filename to save the submission log")
	notaryCmd.AddCommand(submitCmd)

	stapleCmd := &cobra.Command{
		Use:   "staple file.app|file.pkg|file.dmg",
		Short: "Attach issued notarization tickets to signed artifacts",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runStaple,
	}
	notaryCmd.AddCommand(stapleCmd)
}

// addAPIFlags attaches the App Store Connect credential flags shared by the
// subcommands that call the submission API.
func addAPIFlags(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.StringVarP(&argKeyID, "key-id", "D", "", "API Key ID for App Store Connect")
	flags.StringVarP(&argKeyFile, "key", "k", "", "Path to API Key for App Store Connect")
	flags.StringVarP(&argIssuer, "issuer", "i", "", "API Issuer ID for App Store Connect")
	flags.BoolVar(&argJSON, "json", false, "Output in JSON format")
}

func makeClient() (*notary.Client, error) {
	if err := shared.InitConfigIfExists(); err != nil {
		return nil, err
	}
	cfg := new(config.NotaryConfig)
	if shared.CurrentConfig != nil && shared.CurrentConfig.Notary != nil {
		cfg = shared.CurrentConfig.Notary
	}
	// cmdline flags win over the config file
	if argKeyID != "" {
		cfg.APIKeyID = argKeyID
	}
	if argKeyFile != "" {
		cfg.APIKeyPath = argKeyFile
	}
	if argIssuer != "" {
		cfg.APIIssuerID = argIssuer
	}
	return notary.NewClient(cfg)
}

func printStatus(status *notary.SubmissionStatus) {
	switch {
	case argJSON:
		blob, _ := json.Marshal(status)
		fmt.Println(string(blob))
	case status == nil:
		fmt.Println("unknown")
	default:
		fmt.Println("ID:     ", status.ID)
		fmt.Println("Name:   ", status.Attributes.Name)
		fmt.Println("Created:", status.Attributes.CreatedDate)
		fmt.Println("Status: ", status.Attributes.Status)
	}
}

// saveLogs writes the submission log to the configured file, echoing it to
// stdout as well when requested.
func saveLogs(r io.Reader, echo bool) {
	writers := make([]io.Writer, 0, 2)
	if argLogFile != "" {
		f, err := os.Create(argLogFile)
		if err != nil {
			log.Println("error: writing log:", err)
			echo = true
		} else {
			defer f.Close()
			writers = append(writers, f)
		}
	}
	if echo {
		writers = append(writers, os.Stdout)
	}
	if _, err := io.Copy(io.MultiWriter(writers...), r); err != nil {
		log.Println("error: retrieving log:", err)
	}
}

func runInfo(cmd *cobra.Command, args []string) error {
	cli, err := makeClient()
	if err != nil {
		return err
	}
	status, err := cli.GetSubmissionStatus(context.Background(), args[0])
	if err != nil {
		return err
	}
	printStatus(status)
	return nil
}

func runLogs(cmd *cobra.Command, args []string) error {
	cli, err := makeClient()
	if err != nil {
		return err
	}
	logs, err := cli.GetSubmissionLogs(context.Background(), args[0])
	if err != nil {
		return err
	}
	defer logs.Close()
	if _, err := io.Copy(os.Stdout, logs); err != nil {
		return fmt.Errorf("retrieving log: %w", err)
	}
	return nil
}

func runStaple(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	cli := new(notary.TicketClient)
	for _, path := range args {
		if err := cli.StapleFile(ctx, path); err != nil {
			return shared.Fail(err)
		}
		fmt.Fprintln(os.Stderr, "Stapled", path)
	}
	return nil
}

func runSubmit(cmd *cobra.Command, args []string) error {
	cli, err := makeClient()
	if err != nil {
		return err
	}
	ctx := context.Background()
	if argTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, argTimeout)
		defer cancel()
	}
	f, err := os.Open(args[0])
	if err != nil {
		return err
	}
	defer f.Close()
	submissionID, err := cli.SubmitFile(ctx, path.Base(args[0]), f)
	if err != nil {
		log.Fatalln("error:", err)
	}
	if argNoWait {
		status, err := cli.GetSubmissionStatus(ctx, submissionID)
		if err != nil {
			log.Fatalln("error:", err)
		}
		printStatus(status)
		return nil
	}
	if !argJSON {
		log.Println("Submission initiated:", submissionID)
	}
	lastStatus := waitForSubmission(ctx, cli, submissionID)
	if ctx.Err() != nil {
		log.Printf("Timeout of %s exceeded. Last status:", argTimeout)
	}
	printStatus(lastStatus)
	accepted := lastStatus != nil && lastStatus.Attributes.Status == notary.StatusAccepted
	echo := lastStatus != nil && !accepted && !argNoLog
	if argLogFile != "" || echo {
		logs, err := cli.GetSubmissionLogs(ctx, submissionID)
		if err != nil {
			log.Printf("error: writing log to %q: %+v", argLogFile, err)
		} else {
			defer logs.Close()
			saveLogs(logs, echo)
		}
	}
	if !accepted {
		os.Exit(1)
	}
	return nil
}

// waitForSubmission polls until the submission reaches a terminal state, the
// context expires, or checking fails repeatedly. Polling starts at a short
// interval and backs off toward a fixed ceiling.
func waitForSubmission(ctx context.Context, cli *notary.Client, submissionID string) *notary.SubmissionStatus {
	var last *notary.SubmissionStatus
	var retries int
	interval := 5 * time.Second
	const maxInterval = time.Minute
	t := time.NewTimer(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return last
		case <-t.C:
		}
		interval = interval * 5 / 3
		if interval > maxInterval {
			interval = maxInterval
		}
		t.Reset(interval)
		status, err := cli.GetSubmissionStatus(ctx, submissionID)
		switch {
		case err == nil:
			retries = 0
			if !argJSON {
				log.Println("Status:", status.Attributes.Status)
			}
			last = status
			if status.Attributes.Status.Terminal() {
				return last
			}
		case ctx.Err() != nil:
			return last
		default:
			// tolerate a few failures before giving up
			retries++
			if retries > 3 {
				log.Println("error: too many failures checking status:", err)
				return last
			}
		}
	}
}
