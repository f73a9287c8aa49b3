package main

import (
	"context"
	"errors"
	"fmt"
	"os"
)

var version = "0.1.0-dev"

const instrumentation = "github.com/loqalabs/loqa-annotate/cmd/annotate"

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}
