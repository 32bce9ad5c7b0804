// Command deviceupdate-agent runs the Device Update agent daemon.
// It polls the Device Update control service for update commands, downloads
// and verifies update artifacts, stages them for installation, and reports
// device state back to the cloud with retries.
//
// Usage:
//
//	deviceupdate-agent [config-file]        Start the agent daemon
//
// The default config file path is
// /etc/deviceupdate-agent/conf/deviceupdateagent.yml.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/gurre/deviceupdate-agent-go/entrypoint/agent"
)

const defaultConfigPath = "/etc/deviceupdate-agent/conf/deviceupdateagent.yml"

func main() {
	configPath := defaultConfigPath
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}

	if err := agent.Run(context.Background(), configPath); err != nil {
		fmt.Fprintf(os.Stderr, "deviceupdate-agent: %s\n", err)
		os.Exit(1)
	}
}
