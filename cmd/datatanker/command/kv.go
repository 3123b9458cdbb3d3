package command

import (
	"fmt"
	"strings"

	"github.com/datatanker/datatanker"
)

type GetCommand struct{}

func (c *GetCommand) Help() string {
	helpText := `
Usage: datatanker get [options] KEY

  Prints the value stored under KEY. Fails when the key is absent.
`
	return strings.TrimSpace(helpText)
}

func (c *GetCommand) Synopsis() string {
	return "Reads a value"
}

func (c *GetCommand) Run(args []string) int {
	config, rest, ok := parseCommon("get", args)
	if !ok {
		return 1
	}
	if len(rest) != 1 {
		fmt.Println("Error: get requires exactly one KEY argument")
		return 1
	}

	storage, err := config.openStorage()
	if err != nil {
		fmt.Printf("Error: %s\n", err)
		return 1
	}
	defer storage.Close()

	value, err := storage.Get([]byte(rest[0]))
	if err != nil {
		fmt.Printf("Error: %s\n", err)
		return 1
	}
	if value == nil {
		fmt.Printf("Error: %s\n", datatanker.ErrValueNotFound)
		return 1
	}
	fmt.Println(string(value))
	return 0
}

type SetCommand struct{}

func (c *SetCommand) Help() string {
	helpText := `
Usage: datatanker set [options] KEY VALUE

  Stores VALUE under KEY, replacing an existing value. Creates the
  storage when the directory is empty.
`
	return strings.TrimSpace(helpText)
}

func (c *SetCommand) Synopsis() string {
	return "Writes a value"
}

func (c *SetCommand) Run(args []string) int {
	config, rest, ok := parseCommon("set", args)
	if !ok {
		return 1
	}
	if len(rest) != 2 {
		fmt.Println("Error: set requires KEY and VALUE")
		return 1
	}

	storage, err := datatanker.OpenOrCreate(config.DataDir, config.settings())
	if err != nil {
		fmt.Printf("Error: %s\n", err)
		return 1
	}
	defer storage.Close()

	if err := storage.Put([]byte(rest[0]), []byte(rest[1])); err != nil {
		fmt.Printf("Error: %s\n", err)
		return 1
	}
	if err := storage.Flush(); err != nil {
		fmt.Printf("Error: %s\n", err)
		return 1
	}
	return 0
}

type DelCommand struct{}

func (c *DelCommand) Help() string {
	helpText := `
Usage: datatanker del [options] KEY

  Removes KEY. Succeeds silently when the key is absent.
`
	return strings.TrimSpace(helpText)
}

func (c *DelCommand) Synopsis() string {
	return "Removes a key"
}

func (c *DelCommand) Run(args []string) int {
	config, rest, ok := parseCommon("del", args)
	if !ok {
		return 1
	}
	if len(rest) != 1 {
		fmt.Println("Error: del requires exactly one KEY argument")
		return 1
	}

	storage, err := config.openStorage()
	if err != nil {
		fmt.Printf("Error: %s\n", err)
		return 1
	}
	defer storage.Close()

	removed, err := storage.Remove([]byte(rest[0]))
	if err != nil {
		fmt.Printf("Error: %s\n", err)
		return 1
	}
	if removed {
		if err := storage.Flush(); err != nil {
			fmt.Printf("Error: %s\n", err)
			return 1
		}
	}
	return 0
}

type KeysCommand struct{}

func (c *KeysCommand) Help() string {
	helpText := `
Usage: datatanker keys [options] [PREFIX]

  Lists keys in order. B+Tree storages list every key; radix tree
  storages list keys under PREFIX.
`
	return strings.TrimSpace(helpText)
}

func (c *KeysCommand) Synopsis() string {
	return "Lists keys"
}

func (c *KeysCommand) Run(args []string) int {
	config, rest, ok := parseCommon("keys", args)
	if !ok {
		return 1
	}
	prefix := ""
	if len(rest) > 0 {
		prefix = rest[0]
	}

	storage, err := config.openStorage()
	if err != nil {
		fmt.Printf("Error: %s\n", err)
		return 1
	}
	defer storage.Close()

	switch s := storage.(type) {
	case datatanker.PrefixStorage:
		err = s.KeysWithPrefix([]byte(prefix), func(key []byte) bool {
			fmt.Println(string(key))
			return true
		})
	case datatanker.OrderedStorage:
		err = s.AscendRange(nil, nil, func(key, _ []byte) bool {
			fmt.Println(string(key))
			return true
		})
	}
	if err != nil {
		fmt.Printf("Error: %s\n", err)
		return 1
	}
	return 0
}
