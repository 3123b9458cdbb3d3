package command

import (
	"flag"
	"fmt"
	"strings"
)

type StatCommand struct{}

func (c *StatCommand) Help() string {
	helpText := `
Usage: datatanker stat [options]

  Prints the entry count and page size of a storage.

Options:

	-config=""	Configuration file
	-dir=""		Storage directory (overrides config)
	-radix		Open as a radix tree storage
`
	return strings.TrimSpace(helpText)
}

func (c *StatCommand) Synopsis() string {
	return "Prints storage statistics"
}

func (c *StatCommand) Run(args []string) int {
	config, _, ok := parseCommon("stat", args)
	if !ok {
		return 1
	}

	storage, err := config.openStorage()
	if err != nil {
		fmt.Printf("Error: %s\n", err)
		return 1
	}
	defer storage.Close()

	count, err := storage.Count()
	if err != nil {
		fmt.Printf("Error: %s\n", err)
		return 1
	}

	fmt.Printf("path:      %s\n", config.DataDir)
	fmt.Printf("page size: %d\n", storage.PageSize())
	fmt.Printf("entries:   %d\n", count)
	return 0
}

// parseCommon handles the flags every command shares and returns the
// positional arguments that follow them.
func parseCommon(name string, args []string) (Config, []string, bool) {
	var configPath, dir string
	var useRadix bool

	cmdFlags := flag.NewFlagSet(name, flag.ExitOnError)
	cmdFlags.StringVar(&configPath, "config", "", "config file")
	cmdFlags.StringVar(&dir, "dir", "", "storage directory")
	cmdFlags.BoolVar(&useRadix, "radix", false, "open as a radix tree storage")
	if err := cmdFlags.Parse(args); err != nil {
		return Config{}, nil, false
	}

	config, err := loadConfig(configPath)
	if err != nil {
		fmt.Printf("Error reading config file: %s\n", err)
		return Config{}, nil, false
	}
	if dir != "" {
		config.DataDir = dir
	}
	if useRadix {
		config.AccessMethod = "radixtree"
	}
	if config.DataDir == "" {
		fmt.Println("Error: no storage directory; pass -dir or a config file")
		return Config{}, nil, false
	}
	return config, cmdFlags.Args(), true
}
