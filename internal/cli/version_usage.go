package cli

import (
	"fmt"
	"io"

	"github.com/koltyakov/deskrelay/internal/versionutil"
)

func printUsage(w io.Writer) {
	fmt.Fprintln(w, `deskrelay - reach a workstation behind NAT from mobile clients

A workstation keeps an outbound websocket to a public relay. Mobile clients
attach to it through the relay over a websocket or plain HTTP polling.

Usage:
  deskrelay server                       Start the relay
  deskrelay workstation                  Connect this machine to a relay
  deskrelay attach --tunnel ID           Attach to a workstation as a client
                                         --transport=polling for HTTP polling
  deskrelay version                      Print version
  deskrelay help                         Show this help

Every flag can also be set in a YAML file (--config) or as a DESKRELAY_*
environment variable; a .env file in the working directory is read too.
Precedence: flags, environment, config file, defaults.

Quick Start:
  1. deskrelay server --api-key KEY --public-url https://relay.example.com
  2. deskrelay workstation --relay wss://relay.example.com/ws --api-key KEY \
       --auth-key CLIENT_KEY --name desk
  3. deskrelay attach --relay https://relay.example.com --tunnel desk-XXXX \
       --auth-key CLIENT_KEY

Environment Variables:
  DESKRELAY_API_KEY       Relay API key (server and workstation)
  DESKRELAY_AUTH_KEY      Key clients present to the workstation
  DESKRELAY_RELAY         Relay URL (workstation and attach)
  DESKRELAY_TLS_MODE      Relay TLS mode: off|auto|static (default: off)
  DESKRELAY_STATE         Workstation state database path
  DESKRELAY_LOG_LEVEL     Log level: debug|info|warn|error (default: info)
  DESKRELAY_CONFIG        YAML config file`)
}

// Version is set at build time via -ldflags.
var Version = "dev"

func printVersion(w io.Writer) {
	fmt.Fprintln(w, "deskrelay", versionutil.Resolve(Version))
}
