package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// DCCDomain is the option domain read by the DCC core
const DCCDomain = "dcc"

// Config holds all daemon configuration
type Config struct {
	Nick       string `yaml:"nick"`
	NickPass   string `yaml:"nick_pass"`
	Alternate  string `yaml:"alternate"`
	Server     string `yaml:"server"`
	Port       int    `yaml:"port"`
	UseTLS     bool   `yaml:"tls"`
	ServerPass string `yaml:"server_pass"`
	IRCName    string `yaml:"irc_name"`
	Username   string `yaml:"username"`
	AdminPass  string `yaml:"admin_pass"`
	DataDir    string `yaml:"data_dir"`
	LogLevel   string `yaml:"log_level"`

	// Options holds plugin-domain scoped key/value pairs, e.g.
	//
	//	options:
	//	  dcc:
	//	    send.reverse: true
	Options map[string]map[string]string `yaml:"options"`
}

// Load reads and parses a YAML configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML configuration and applies defaults
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Set defaults
	if cfg.DataDir == "" {
		cfg.DataDir = "./data"
	}
	if cfg.Port == 0 {
		cfg.Port = 6667
	}
	if cfg.Username == "" {
		cfg.Username = cfg.Nick
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Options == nil {
		cfg.Options = make(map[string]map[string]string)
	}

	dcc := cfg.Options[DCCDomain]
	if dcc == nil {
		dcc = make(map[string]string)
		cfg.Options[DCCDomain] = dcc
	}
	defaults := map[string]string{
		"send.reverse":              "false",
		"send.turbo":                "false",
		"send.blocksize":            "1024",
		"send.ratelimit":            "0",
		"general.percentageInTitle": "false",
		"receive.autoaccept":        "true",
		"receive.reverse":           "false",
		"receive.savelocation":      filepath.Join(cfg.DataDir, "downloads"),
		"send.directory":            filepath.Join(cfg.DataDir, "files"),
		"chat.autoaccept":           "true",
		"firewall.ports.start":      "0",
		"firewall.ports.end":        "0",
	}
	for key, value := range defaults {
		if _, ok := dcc[key]; !ok {
			dcc[key] = value
		}
	}

	return &cfg, nil
}

// Option returns the raw value of key in domain, or "" if unset
func (c *Config) Option(domain, key string) string {
	if c == nil || c.Options == nil {
		return ""
	}
	return strings.TrimSpace(c.Options[domain][key])
}

// OptionBool returns key in domain parsed as a boolean; unset or malformed
// values are false
func (c *Config) OptionBool(domain, key string) bool {
	v, err := strconv.ParseBool(c.Option(domain, key))
	return err == nil && v
}

// OptionInt returns key in domain parsed as an integer; unset or malformed
// values are 0
func (c *Config) OptionInt(domain, key string) int {
	v, err := strconv.Atoi(c.Option(domain, key))
	if err != nil {
		return 0
	}
	return v
}

// SetOption stores a value, creating the domain if needed
func (c *Config) SetOption(domain, key, value string) {
	if c.Options == nil {
		c.Options = make(map[string]map[string]string)
	}
	if c.Options[domain] == nil {
		c.Options[domain] = make(map[string]string)
	}
	c.Options[domain][key] = value
}
