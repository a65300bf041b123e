package main

import (
	"fmt"
	"os"

	"github.com/deemkeen/stegofed/activitypub"
	"github.com/deemkeen/stegofed/db"
	"github.com/deemkeen/stegofed/util"
	"github.com/deemkeen/stegofed/web"
	"github.com/spf13/cobra"
)

var (
	_ activitypub.Store = (*db.DB)(nil)
	_ activitypub.Queue = (*db.DB)(nil)
	_ web.Store         = (*db.DB)(nil)
)

var debug bool

func main() {
	rootCmd := &cobra.Command{
		Use:           util.Name,
		Short:         "ActivityPub federation engine",
		Long:          `Exchanges signed activities with other ActivityPub servers on behalf of local people and communities.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "enable debug logging")

	rootCmd.AddCommand(
		serveCmd(),
		accountCmd(),
		followCmd(),
		likeCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(util.GetNameAndVersion())
		},
	}
}
