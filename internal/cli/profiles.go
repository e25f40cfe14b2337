package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mjelva/evtelem/internal/profile"
)

var profilesCmd = &cobra.Command{
	Use:   "profiles",
	Short: "List bundled vehicle profiles",
	RunE:  runProfiles,
}

func runProfiles(cmd *cobra.Command, args []string) error {
	for _, name := range profile.BundledNames() {
		p, err := profile.LoadBundled(name)
		if err != nil {
			return err
		}
		fmt.Printf("%-24s %s (%d parameters)\n", name, p.Vehicle, len(p.Parameters))
	}
	return nil
}
