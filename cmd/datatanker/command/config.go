package command

import (
	"os"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"

	"github.com/datatanker/datatanker"
)

// Config is the optional YAML configuration shared by every command.
type Config struct {
	DataDir      string       `yaml:"data_directory"`
	PageSize     int          `yaml:"page_size"`
	AccessMethod string       `yaml:"access_method"`
	LogLevel     logrus.Level `yaml:"log_level"`
}

// loadConfig reads a YAML config file; flags override its fields.
func loadConfig(path string) (Config, error) {
	config := Config{LogLevel: logrus.WarnLevel}
	if path == "" {
		return config, nil
	}
	configFile, err := os.Open(path)
	if err != nil {
		return config, err
	}
	defer configFile.Close()

	if err := yaml.NewDecoder(configFile).Decode(&config); err != nil {
		return config, err
	}
	return config, nil
}

func (c Config) settings() datatanker.Settings {
	logger := logrus.New()
	logger.SetLevel(c.LogLevel)

	settings := datatanker.Settings{
		PageSize: c.PageSize,
		Logger:   logger,
	}
	if c.AccessMethod == "radixtree" {
		settings.AccessMethod = datatanker.RadixTree
	} else {
		settings.AccessMethod = datatanker.BPlusTree
	}
	return settings
}

// openStorage opens the configured storage directory.
func (c Config) openStorage() (datatanker.Storage, error) {
	return datatanker.OpenExisting(c.DataDir, c.settings())
}
