package app

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/autopeer-io/trustagent/internal/carecovery"
	"github.com/autopeer-io/trustagent/internal/pkg/signature"
	"github.com/autopeer-io/trustagent/internal/truststore"
)

var errVerifyFailed = errors.New("verification failed")

func newRecoveryCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "recovery",
		Short: "Work with CA recovery envelopes",
	}

	var anchorsFile string
	inspect := &cobra.Command{
		Use:   "inspect FILE",
		Short: "Parse a recovery envelope and verify it against the recovery key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return inspectRecovery(cmd, args[0], anchorsFile)
		},
	}
	inspect.Flags().StringVar(&anchorsFile, "anchors", "", "Trust anchors file; enables signature verification.")
	cmd.AddCommand(inspect)
	return cmd
}

func inspectRecovery(cmd *cobra.Command, path, anchorsFile string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	res, err := carecovery.Parse(data)
	if err != nil {
		return err
	}

	t := newTable()
	t.AddRow("HOST:", res.Hostname)
	t.AddRow("VERSION:", res.Bundle.Version)
	if v, err := truststore.ParseVersion(res.Bundle.Version); err == nil {
		t.AddRow("VERSION NUMBER:", v)
	} else {
		t.AddRow("VERSION NUMBER:", verdict(err))
	}
	t.AddRow("EXPIRY:", res.Bundle.ExpiryTime)
	t.AddRow("SIGNATURE:", fmt.Sprintf("%d base64 chars", len(res.Signature)))

	certs, certErr := truststore.ParseCertificates(res.Bundle.Certificates)
	t.AddRow("CERTIFICATES:", len(certs))
	if certErr != nil {
		t.AddRow("PEM:", verdict(certErr))
	}

	roots, err := loadAnchors(anchorsFile)
	if err != nil {
		return err
	}
	var verifyErr error
	switch {
	case roots == nil:
		t.AddRow("VERIFIED:", "skipped (no --anchors)")
	case roots.Recovery == nil:
		verifyErr = errors.New("anchors file has no recovery key")
		t.AddRow("VERIFIED:", verdict(verifyErr))
	default:
		key := roots.Recovery.Key
		verifyErr = res.Verify(key, make([]byte, signature.ScratchSize(key)))
		t.AddRow("VERIFIED:", verdict(verifyErr))
	}
	printTable(cmd.OutOrStdout(), t)

	if verifyErr != nil {
		return fmt.Errorf("%w: %v", errVerifyFailed, verifyErr)
	}
	return nil
}
