// flowmq-produce is a small command-line publisher covering the one
// operation this library actually supports: connect, publish, flush.
// Topic administration and consumption are out of scope.
package main

import (
	"fmt"
	"os"

	"github.com/rbarbey/flowmq-client-go/cmd/flowmq-produce/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
