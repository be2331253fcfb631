package main

import (
	"fmt"
	"os"
)

func main() {
	root := NewRootCmd()
	root.AddCommand(NewSeedCmd(), NewVersionCmd())
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
