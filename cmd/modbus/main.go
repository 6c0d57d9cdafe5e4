// Command modbus reads and writes registers of Modbus devices.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "modbus: %v\n", err)
		os.Exit(1)
	}
}
