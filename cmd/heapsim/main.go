package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/vkngwrapper/substrate/cmd/heapsim/cmd"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := cmd.New().Execute(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		stop()
		os.Exit(1)
	}
}
