package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	_ "tomato/internal/drivers/counter"
	_ "tomato/internal/drivers/dummy"
)

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}
