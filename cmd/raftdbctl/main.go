package main

import (
    "log"

    "github.com/spf13/cobra"

    dbcli "github.com/amirimatin/go-raftdb/pkg/cli"
)

func main() {
    if err := newRoot().Execute(); err != nil {
        log.Fatal(err)
    }
}

func newRoot() *cobra.Command {
    root := &cobra.Command{
        Use:           "raftdbctl",
        Short:         "replicated key-value database node and client",
        SilenceUsage:  true,
        SilenceErrors: true,
    }
    dbcli.AddAll(root)
    return root
}
