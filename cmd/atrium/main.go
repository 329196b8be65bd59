// Atrium
//
// A virtual-office client: shared-space presence, proximity chat and
// peer-to-peer audio/video that fades with distance.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version  = "dev"
	endpoint string
	name     string
)

var rootCmd = &cobra.Command{
	Use:   "atrium",
	Short: "Atrium - Virtual Office Client",
	Long: `Atrium connects you to a shared virtual office: walk around,
chat, and talk to whoever is standing near you.

  atrium connect                      Join the office
  atrium connect --name alice         Join under a display name
  atrium version                      Print version`,
	Version: version,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&endpoint, "endpoint", "", "room server websocket URL (overrides config)")
	rootCmd.PersistentFlags().StringVar(&name, "name", "", "display name (overrides config)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
