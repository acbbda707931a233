// Command isapi-bridge publishes the inventory and alerts of an ISAPI video
// recorder to MQTT and NATS.
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
