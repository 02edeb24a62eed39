package app

import (
	"fmt"
	"io"

	"github.com/gosuri/uitable"
	"github.com/spf13/cobra"

	"github.com/autopeer-io/trustagent/internal/pkg/anchors"
)

func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "trustctl",
		Short:         "Inspect the trust state of a Device Update agent",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	cmd.AddCommand(
		newBundleCommand(),
		newRecoveryCommand(),
		newManifestCommand(),
	)
	return cmd
}

func newTable() *uitable.Table {
	t := uitable.New()
	t.MaxColWidth = 80
	t.Wrap = true
	return t
}

func printTable(w io.Writer, t *uitable.Table) {
	fmt.Fprintln(w, t)
}

func loadAnchors(path string) (*anchors.Anchors, error) {
	if path == "" {
		return nil, nil
	}
	return anchors.Load(path)
}

func verdict(err error) string {
	if err != nil {
		return "FAILED: " + err.Error()
	}
	return "ok"
}
