package main

import (
	"fmt"
	"os"

	"github.com/jessevdk/go-flags"
)

type command interface {
	Register(parser *flags.Parser) error
}

func main() {
	parser := flags.NewParser(&struct{}{}, flags.Default)

	commands := []command{
		newCreateCommand(),
		newAddressCommand(),
		newCommentCommand(),
	}

	for _, cmd := range commands {
		if err := cmd.Register(parser); err != nil {
			fmt.Fprintf(os.Stderr, "registering command: %v\n", err)
			os.Exit(1)
		}
	}

	if _, err := parser.Parse(); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}
