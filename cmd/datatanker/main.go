package main

import (
	"fmt"
	"os"

	"github.com/mitchellh/cli"

	"github.com/datatanker/datatanker/cmd/datatanker/command"
)

func main() {
	commands := map[string]cli.CommandFactory{
		"stat": func() (cli.Command, error) {
			return &command.StatCommand{}, nil
		},
		"get": func() (cli.Command, error) {
			return &command.GetCommand{}, nil
		},
		"set": func() (cli.Command, error) {
			return &command.SetCommand{}, nil
		},
		"del": func() (cli.Command, error) {
			return &command.DelCommand{}, nil
		},
		"keys": func() (cli.Command, error) {
			return &command.KeysCommand{}, nil
		},
	}

	tankerCLI := &cli.CLI{
		Args:     os.Args[1:],
		Commands: commands,
		HelpFunc: cli.BasicHelpFunc("datatanker"),
	}

	exitCode, err := tankerCLI.Run()
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Error: %s\n", err.Error())
		os.Exit(1)
	}

	os.Exit(exitCode)
}
