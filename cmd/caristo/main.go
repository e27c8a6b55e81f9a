// Command caristo keeps a Caddy site directory in sync with a fleet of
// deployed websites.
//
//	caristo [input] [output] -c "caddy reload --config /etc/caddy/Caddyfile"
package main

import (
	"fmt"
	"os"

	"github.com/zoobzio/capitan"
)

func main() {
	err := newRootCmd().Execute()
	capitan.Shutdown()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
