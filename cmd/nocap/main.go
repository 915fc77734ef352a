package main

import (
	"context"
	"fmt"
	"os"

	"github.com/gordian-engine/nocap/internal/gcmd"
)

func main() {
	if err := gcmd.Execute(context.Background(), os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
