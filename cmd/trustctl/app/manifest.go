package app

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/autopeer-io/trustagent/internal/adu"
)

func newManifestCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "manifest",
		Short: "Work with Device Update requests",
	}

	var anchorsFile string
	inspect := &cobra.Command{
		Use:   "inspect FILE",
		Short: "Parse a desired-properties patch or service object and verify its manifest",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return inspectManifest(cmd, args[0], anchorsFile)
		},
	}
	inspect.Flags().StringVar(&anchorsFile, "anchors", "", "Trust anchors file; enables signature verification.")
	cmd.AddCommand(inspect)
	return cmd
}

func readRequest(data []byte) (*adu.UpdateRequest, error) {
	patch, err := adu.ParsePropertyPatch(data)
	switch {
	case err == nil && patch.Service != nil:
		return patch.Service, nil
	case err != nil && patch != nil:
		return nil, err
	}
	return adu.ParseRequest(data)
}

func inspectManifest(cmd *cobra.Command, path, anchorsFile string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	req, err := readRequest(data)
	if err != nil {
		return err
	}
	m, err := adu.ParseManifest(req.UpdateManifest)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	t := newTable()
	t.AddRow("WORKFLOW:", fmt.Sprintf("%s (%s)", req.Workflow.ID, req.Workflow.Action))
	t.AddRow("UPDATE:", m.UpdateID.String())
	t.AddRow("CREATED:", m.CreateDateTime)
	compat := make([]string, 0, len(m.Compatibility))
	for _, c := range m.Compatibility {
		compat = append(compat, c.DeviceManufacturer+"/"+c.DeviceModel)
	}
	t.AddRow("COMPATIBLE:", strings.Join(compat, ", "))
	t.AddRow("VALID:", verdict(m.Validate()))

	roots, err := loadAnchors(anchorsFile)
	if err != nil {
		return err
	}
	var verifyErr error
	if roots == nil {
		t.AddRow("VERIFIED:", "skipped (no --anchors)")
	} else {
		verifyErr = adu.NewManifestVerifier(roots).Verify(req.UpdateManifest, req.UpdateManifestSignature)
		t.AddRow("VERIFIED:", verdict(verifyErr))
	}
	printTable(out, t)

	st := newTable()
	st.AddRow("STEP", "HANDLER", "FILES", "INSTALLED CRITERIA")
	for i, s := range m.Steps {
		st.AddRow(i, s.Handler, strings.Join(s.Files, ","), s.InstalledCriteria)
	}
	printTable(out, st)

	ft := newTable()
	ft.AddRow("FILE", "NAME", "SIZE", "SHA256", "URL")
	for _, f := range m.Files {
		sum, _ := f.Hash("sha256")
		url, _ := req.URL(f.ID)
		ft.AddRow(f.ID, f.FileName, f.SizeInBytes, sum, url)
	}
	printTable(out, ft)

	if verifyErr != nil {
		return fmt.Errorf("%w: %v", errVerifyFailed, verifyErr)
	}
	return nil
}
