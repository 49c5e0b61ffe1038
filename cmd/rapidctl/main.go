package main

import (
	"log"

	"github.com/spf13/cobra"

	nodecli "github.com/amirimatin/rapid-core/pkg/cli"
)

func main() {
	if err := newRoot().Execute(); err != nil {
		log.Fatal(err)
	}
}

func newRoot() *cobra.Command {
	root := &cobra.Command{
		Use:           "rapidctl",
		Short:         "view-change aggregation node CLI",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	nodecli.AddAll(root)
	return root
}
