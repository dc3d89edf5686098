// Package config loads the gateway's TOML configuration file with viper,
// applying MOONBRIDGE_-prefixed environment overrides and the defaults
// every section needs when absent, per SPEC_FULL.md §0.2.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Root is the parsed top-level configuration.
type Root struct {
	Server        ServerConfig                 `mapstructure:"server"`
	Authorization AuthorizationConfig           `mapstructure:"authorization"`
	FileManager   FileManagerConfig             `mapstructure:"file_manager"`
	Database      DatabaseConfig                `mapstructure:"database"`
	Metadata      MetadataConfig                `mapstructure:"metadata"`
	Components    map[string]map[string]any     `mapstructure:"-"`
	// componentOrder lists each optional component section once, in the
	// order viper's AllKeys reports them; that is not the order in which
	// the sections appear in the file.
	componentOrder []string
}

type ServerConfig struct {
	Host        string `mapstructure:"host"`
	Port        int    `mapstructure:"port"`
	KlippyUDS   string `mapstructure:"klippy_uds_address"`
	EnableCORS  bool   `mapstructure:"enable_cors"`
	MaxUploadMB int    `mapstructure:"max_upload_size_mb"`
}

type AuthorizationConfig struct {
	RequireAuth   bool     `mapstructure:"require_auth"`
	TrustedIPs    []string `mapstructure:"trusted_ips"`
	TrustedRanges []string `mapstructure:"trusted_ranges"`
	APIKeyFile    string   `mapstructure:"api_key_path"`
}

type FileManagerConfig struct {
	// Roots maps a root name (gcodes, config, ...) to an absolute path.
	Roots map[string]string `mapstructure:"roots"`
}

type DatabaseConfig struct {
	Driver string `mapstructure:"driver"` // "sqlite3" or "mysql"
	DSN    string `mapstructure:"dsn"`
}

type MetadataConfig struct {
	CacheVersion   int    `mapstructure:"cache_version"`
	ExtractorPath  string `mapstructure:"extractor_path"`
}

// coreSections lists the sections consumed directly by Root above; any
// other top-level table is treated as an optional component section.
var coreSections = map[string]bool{
	"server": true, "authorization": true, "file_manager": true,
	"database": true, "metadata": true,
}

// Load reads path (if non-empty) via viper, applies environment overrides
// and returns the parsed Root, whose Components map holds every section
// that is not one of coreSections.
func Load(path string) (*Root, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("MOONBRIDGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", path, err)
		}
	}

	var root Root
	if err := v.Unmarshal(&root); err != nil {
		return nil, fmt.Errorf("config: decoding: %w", err)
	}

	root.Components = make(map[string]map[string]any)
	for _, key := range v.AllKeys() {
		section := strings.SplitN(key, ".", 2)[0]
		if coreSections[section] {
			continue
		}
		if _, ok := root.Components[section]; !ok {
			root.Components[section] = v.GetStringMap(section)
			root.componentOrder = append(root.componentOrder, section)
		}
	}

	return &root, nil
}

// ComponentOrder returns the optional component section names, each once.
// Their order follows viper's key listing, not the order of the sections
// in the config file.
func (r *Root) ComponentOrder() []string {
	return r.componentOrder
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 7125)
	v.SetDefault("server.klippy_uds_address", "/tmp/klippy_uds")
	v.SetDefault("server.enable_cors", false)
	v.SetDefault("server.max_upload_size_mb", 1024)

	v.SetDefault("authorization.require_auth", true)
	v.SetDefault("authorization.api_key_path", "~/.moonbridge_api_key")

	v.SetDefault("database.driver", "sqlite3")
	v.SetDefault("database.dsn", "~/.moonbridge.db")

	v.SetDefault("metadata.cache_version", 1)
	v.SetDefault("metadata.extractor_path", "moonbridge-metadata-extract")
}
