// Package config loads the server's runtime configuration: bind
// address, port, connection cap, and shared secret.
package config

import (
	"fmt"
	"path/filepath"

	"github.com/go-i2p/logger"
	"github.com/spf13/viper"
)

var log = logger.GetGoI2PLogger()

// Server holds the fields the chat server needs to start listening
// and to derive its crypto context.
type Server struct {
	BindAddress    string `mapstructure:"bind_address"`
	Port           int    `mapstructure:"port"`
	MaxConnections int    `mapstructure:"max_connections"`
	SharedSecret   string `mapstructure:"shared_secret"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("bind_address", "0.0.0.0")
	v.SetDefault("port", 12345)
	v.SetDefault("max_connections", 1024)
	v.SetDefault("shared_secret", "")
}

// Load reads server configuration from path (a TOML file; viper picks
// the format up from the extension). A missing file is not an error —
// the documented defaults apply, except shared_secret, which callers
// MUST supply either via the file or by overriding the returned
// Server before use.
func Load(path string) (*Server, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		dir, file := filepath.Split(path)
		ext := filepath.Ext(file)
		v.SetConfigName(fileNameWithoutExt(file, ext))
		if ext != "" {
			v.SetConfigType(ext[1:])
		}
		if dir != "" {
			v.AddConfigPath(dir)
		} else {
			v.AddConfigPath(".")
		}

		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); ok {
				log.Warnf("config file %s not found, using defaults", path)
			} else {
				return nil, fmt.Errorf("config: reading %s: %w", path, err)
			}
		} else {
			log.Debugf("config: loaded %s", v.ConfigFileUsed())
		}
	}

	var cfg Server
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	return &cfg, nil
}

func fileNameWithoutExt(file, ext string) string {
	if ext == "" {
		return file
	}
	return file[:len(file)-len(ext)]
}

// Validate checks that the loaded configuration is usable.
func (c *Server) Validate() error {
	if c.SharedSecret == "" {
		return fmt.Errorf("config: shared_secret must not be empty")
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("config: port %d out of range", c.Port)
	}
	if c.MaxConnections < 0 {
		return fmt.Errorf("config: max_connections must be >= 0")
	}
	return nil
}

// Addr returns the listen address in host:port form.
func (c *Server) Addr() string {
	return fmt.Sprintf("%s:%d", c.BindAddress, c.Port)
}
