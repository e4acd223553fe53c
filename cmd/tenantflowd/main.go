// Command tenantflowd runs the tenant event delivery service and offers
// operator commands for its configuration and tenant directory.
package main

import (
	"os"

	_ "github.com/drblury/tenantflow/transport/transports"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
