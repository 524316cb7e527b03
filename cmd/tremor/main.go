// Package main is the tremor command: it runs a node of the fault
// injection control plane and talks to running nodes over their HTTP API.
//
//	tremor node --config tremor.yaml           run a node
//	tremor config validate --config tremor.yaml
//	tremor task submit --kind container-stop --target web-1
//	tremor task get <id>
//	tremor task cancel <id>
//	tremor cluster status
//	tremor maintenance enter|exit
//
// Client commands reach the node given by --node (default
// 127.0.0.1:7700).
//
// Example cluster on one host:
//
//	TREMOR_NODE_ID=a TREMOR_NODE_LISTEN=:7701 TREMOR_NODE_PUBLIC_ADDRESS=127.0.0.1 \
//	TREMOR_CLUSTER_VALIDATION_TOKEN=s3cret TREMOR_STORE_DRIVER=sqlite3 \
//	TREMOR_STORE_DSN=/tmp/tremor.db tremor node
//
//	TREMOR_NODE_ID=b TREMOR_NODE_LISTEN=:7702 TREMOR_CLUSTER_SEEDS=127.0.0.1:7701 ... tremor node
package main

import (
	"context"
	"fmt"
	"os"
)

func main() {
	if err := newRootCommand().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "tremor:", err)
		os.Exit(1)
	}
}
