package main

import (
	"flag"

	"github.com/nicksinger/wicked/internal/config"
)

// flagSetWithSocket is the top-level flag.FlagSet every netifctl invocation
// parses before dispatching to a subcommand, carrying the one flag common
// to all of them: which daemon socket (or host:port) to talk to.
type flagSetWithSocket struct {
	*flag.FlagSet
}

func newFlagSetWithSocket(socket *string) *flagSetWithSocket {
	fs := flag.NewFlagSet("netifctl", flag.ContinueOnError)
	fs.StringVar(socket, "socket", config.DefaultListenAddress, "daemon RPC socket path or host:port")
	return &flagSetWithSocket{FlagSet: fs}
}
