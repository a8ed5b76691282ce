// Command syncctl is the operator CLI for the shipment sync warehouse.
//
//	syncctl tenants
//	syncctl cursors --tenant 164
//	syncctl replicate --tenant 164
//	syncctl stage --tenant 164
//	syncctl aggregate
//	syncctl queue
//	syncctl cell --tenant 164 --client 7 --driver 33 --status 5 --day 2025-01-28
//	syncctl backfill --table home_app --from 2025-01-01
package main

import (
	"fmt"
	"os"
	_ "time/tzdata"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
