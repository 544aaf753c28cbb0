package cli

import (
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"
)

// supportsInteractiveOutput reports whether the command writes to a real
// terminal. Tests substitute buffers for stdout, which disables the TUI.
func supportsInteractiveOutput(cmd *cobra.Command) bool {
	out := cmd.OutOrStdout()
	file, ok := out.(*os.File)
	if !ok {
		return false
	}
	return term.IsTerminal(int(file.Fd()))
}
