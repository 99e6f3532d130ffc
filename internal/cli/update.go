package cli

import (
	"fmt"
)

// UpdateCmd shows how to upgrade traced
type UpdateCmd struct{}

// UpdateOutput represents the NDJSON output for update instructions
type UpdateOutput struct {
	Version     string `json:"current_version"`
	Commit      string `json:"commit"`
	GoInstall   string `json:"go_install"`
	ReleasesURL string `json:"releases_url"`
}

const (
	goInstallCmd = "go install github.com/vburojevic/traced/cmd/traced@latest"
	releasesURL  = "https://github.com/vburojevic/traced/releases"
)

// Run executes the update command
func (c *UpdateCmd) Run(globals *Globals) error {
	if globals.ndjson() {
		return globals.writer().WriteRecord("update", UpdateOutput{
			Version:     Version,
			Commit:      Commit,
			GoInstall:   goInstallCmd,
			ReleasesURL: releasesURL,
		})
	}

	fmt.Fprintln(globals.Stdout, "traced update instructions")
	fmt.Fprintln(globals.Stdout)
	fmt.Fprintf(globals.Stdout, "Current version: %s (%s)\n", Version, Commit)
	fmt.Fprintln(globals.Stdout)
	fmt.Fprintln(globals.Stdout, "To upgrade via Go:")
	fmt.Fprintf(globals.Stdout, "  %s\n", goInstallCmd)
	fmt.Fprintln(globals.Stdout)
	fmt.Fprintln(globals.Stdout, "For release notes, see:")
	fmt.Fprintf(globals.Stdout, "  %s\n", releasesURL)
	return nil
}
