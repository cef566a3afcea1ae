// Command pay2email is the operator and sender toolbox: it generates the
// service key, seals field values for a service key, opens them again, and
// inspects BOLT11 invoices before they are uploaded.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
