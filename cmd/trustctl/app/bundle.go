package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/autopeer-io/trustagent/internal/pkg/kvstore"
	"github.com/autopeer-io/trustagent/internal/truststore"
)

func newBundleCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bundle",
		Short: "Inspect the stored trust bundle",
	}

	var dataDir string
	show := &cobra.Command{
		Use:   "show",
		Short: "Show version, checksum state and certificates of the stored bundle",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return showBundle(cmd, dataDir)
		},
	}
	show.Flags().StringVar(&dataDir, "data-dir", "/var/lib/trustagent", "Agent data directory.")
	cmd.AddCommand(show)
	return cmd
}

func showBundle(cmd *cobra.Command, dataDir string) error {
	ctx := context.Background()

	fs, err := kvstore.NewFileStore(dataDir)
	if err != nil {
		return err
	}
	store, err := truststore.Open(ctx, fs)
	if err != nil {
		return err
	}
	version, err := store.ReadVersion(ctx)
	if err != nil {
		return err
	}

	t := newTable()
	t.AddRow("VERSION:", truststore.FormatVersion(version))

	size, err := store.BundleSize(ctx)
	if errors.Is(err, kvstore.ErrNotFound) {
		t.AddRow("BUNDLE:", "none stored")
		printTable(cmd.OutOrStdout(), t)
		return nil
	}
	if err != nil {
		return err
	}
	t.AddRow("SIZE:", fmt.Sprintf("%d bytes", size))

	ns, err := fs.Open(ctx, truststore.Namespace)
	if err != nil {
		return err
	}
	certs, certErr := store.Certificates(ctx)
	switch _, sumErr := ns.Get(ctx, truststore.KeyChecksum); {
	case errors.Is(certErr, truststore.ErrInconsistent):
		t.AddRow("CHECKSUM:", "MISMATCH")
	case errors.Is(sumErr, kvstore.ErrNotFound):
		t.AddRow("CHECKSUM:", "absent (factory bundle)")
	default:
		t.AddRow("CHECKSUM:", "ok")
	}
	printTable(cmd.OutOrStdout(), t)

	if certErr != nil {
		return certErr
	}

	ct := newTable()
	ct.AddRow("SUBJECT", "ISSUER", "NOT AFTER")
	for _, c := range certs {
		ct.AddRow(c.Subject.String(), c.Issuer.String(), c.NotAfter.UTC().Format(time.RFC3339))
	}
	printTable(cmd.OutOrStdout(), ct)
	return nil
}
