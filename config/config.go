// Description: config package
// Configuration of the remotefs server: defaults, then an optional TOML file, then the environment

package config

import (
	"errors"
	"fmt"
	"github.com/BurntSushi/toml"
	"os"
	"strconv"
	"strings"
	"time"
)

// Environment variables read by ApplyEnv
const (
	EnvHTTPAddr        = "HTTP_SERVER_ADDR"
	EnvLogLevel        = "LOG_LEVEL"
	EnvDefaultProtocol = "DEFAULT_PROTOCOL"
	EnvDefaultUser     = "DEFAULT_USER"
	EnvDefaultPass     = "DEFAULT_PASS"
	EnvDefaultIP       = "DEFAULT_IP"
	EnvLocalRoot       = "LOCAL_ROOT"
	EnvKnownHosts      = "SFTP_KNOWN_HOSTS"
	EnvKeyFile         = "KEY_FILE"
	EnvKeyPassphrase   = "KEY_PASSPHRASE"
	EnvHostKeyType     = "SFTP_HOST_KEY_TYPE"
	EnvMaxDepth        = "TREE_MAX_DEPTH"
)

// Duration is a time.Duration written as "30s" in TOML
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

type Config struct {
	HTTP  HTTPConfig  `toml:"http"`
	Log   LogConfig   `toml:"log"`
	FTP   FTPConfig   `toml:"ftp"`
	SFTP  SFTPConfig  `toml:"sftp"`
	Local LocalConfig `toml:"local"`
	Tree  TreeConfig  `toml:"tree"`
	// DefaultProtocol is used when a connect request names none
	DefaultProtocol string `toml:"default_protocol"`
}

type HTTPConfig struct {
	Addr            string   `toml:"addr"`
	ShutdownTimeout Duration `toml:"shutdown_timeout"`
}

type LogConfig struct {
	Level string `toml:"level"`
}

type FTPConfig struct {
	Timeout     Duration `toml:"timeout"`
	ExplicitTLS bool     `toml:"explicit_tls"`
	ImplicitTLS bool     `toml:"implicit_tls"`
	// InsecureSkipVerify accepts any server certificate
	InsecureSkipVerify bool `toml:"insecure_skip_verify"`
}

type SFTPConfig struct {
	Timeout       Duration `toml:"timeout"`
	KnownHosts    string   `toml:"known_hosts"`
	KeyFile       string   `toml:"key_file"`
	KeyPassphrase string   `toml:"key_passphrase"`
	// HostKeyType is the generated host key of serve --sftp-addr: ed25519, rsa or ecdsa
	HostKeyType   string   `toml:"host_key_type"`
}

// LocalConfig enables the "local" protocol when Root is set
type LocalConfig struct {
	Root  string       `toml:"root"`
	Users []UserConfig `toml:"users"`
}

type UserConfig struct {
	Username string `toml:"username"`
	// Password may be a bcrypt hash
	Password string   `toml:"password"`
	IPs      []string `toml:"ips"`
}

type TreeConfig struct {
	MaxDepth int `toml:"max_depth"`
}

func DefaultConfig() *Config {
	return &Config{
		HTTP:            HTTPConfig{Addr: ":8080", ShutdownTimeout: Duration{5 * time.Second}},
		Log:             LogConfig{Level: "INFO"},
		FTP:             FTPConfig{Timeout: Duration{30 * time.Second}},
		SFTP:            SFTPConfig{Timeout: Duration{30 * time.Second}},
		Tree:            TreeConfig{MaxDepth: 256},
		DefaultProtocol: "ftp",
	}
}

// Load returns the defaults overridden by the file at path, when path is not empty, and then by the environment
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		md, err := toml.DecodeFile(path, cfg)
		if err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, 0, len(undecoded))
			for _, k := range undecoded {
				keys = append(keys, k.String())
			}
			return nil, fmt.Errorf("config file %s: unknown keys: %s", path, strings.Join(keys, ", "))
		}
	}
	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// ApplyEnv overrides the config with the variables getenv returns non empty
func (c *Config) ApplyEnv(getenv func(string) string) error {
	set := func(dst *string, key string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	set(&c.HTTP.Addr, EnvHTTPAddr)
	set(&c.Log.Level, EnvLogLevel)
	set(&c.DefaultProtocol, EnvDefaultProtocol)
	set(&c.Local.Root, EnvLocalRoot)
	set(&c.SFTP.KnownHosts, EnvKnownHosts)
	set(&c.SFTP.KeyFile, EnvKeyFile)
	set(&c.SFTP.KeyPassphrase, EnvKeyPassphrase)
	set(&c.SFTP.HostKeyType, EnvHostKeyType)

	if v := getenv(EnvMaxDepth); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvMaxDepth, err)
		}
		c.Tree.MaxDepth = n
	}

	user, pass := getenv(EnvDefaultUser), getenv(EnvDefaultPass)
	if user != "" && pass != "" {
		u := UserConfig{Username: user, Password: pass}
		for _, ip := range strings.Split(getenv(EnvDefaultIP), ",") {
			if ip = strings.TrimSpace(ip); ip != "" {
				u.IPs = append(u.IPs, ip)
			}
		}
		c.Local.Users = append(c.Local.Users, u)
	}
	return nil
}

// Protocols lists the protocols the config enables
func (c *Config) Protocols() []string {
	p := []string{"ftp", "sftp"}
	if c.Local.Root != "" {
		p = append(p, "local")
	}
	return p
}

// Validate returns every problem found, joined
func (c *Config) Validate() error {
	var errs []error

	switch strings.ToUpper(c.Log.Level) {
	case "DEBUG", "INFO", "WARN", "ERROR":
	default:
		errs = append(errs, fmt.Errorf("log.level: unknown level %q", c.Log.Level))
	}

	known := false
	for _, p := range c.Protocols() {
		if p == c.DefaultProtocol {
			known = true
		}
	}
	if !known {
		errs = append(errs, fmt.Errorf("default_protocol: %q is not one of %s", c.DefaultProtocol, strings.Join(c.Protocols(), ", ")))
	}

	if c.FTP.ExplicitTLS && c.FTP.ImplicitTLS {
		errs = append(errs, errors.New("ftp: explicit_tls and implicit_tls are exclusive"))
	}
	switch c.SFTP.HostKeyType {
	case "", "ed25519", "rsa", "ecdsa":
	default:
		errs = append(errs, fmt.Errorf("sftp.host_key_type: unknown type %q", c.SFTP.HostKeyType))
	}
	if c.Tree.MaxDepth < 0 {
		errs = append(errs, fmt.Errorf("tree.max_depth: must not be negative, got %d", c.Tree.MaxDepth))
	}
	if c.HTTP.Addr == "" {
		errs = append(errs, errors.New("http.addr: must not be empty"))
	}
	for i, u := range c.Local.Users {
		if u.Username == "" {
			errs = append(errs, fmt.Errorf("local.users[%d]: username must not be empty", i))
		}
	}
	if c.Local.Root != "" {
		if info, err := os.Stat(c.Local.Root); err != nil {
			errs = append(errs, fmt.Errorf("local.root: %w", err))
		} else if !info.IsDir() {
			errs = append(errs, fmt.Errorf("local.root: %s is not a directory", c.Local.Root))
		}
	}
	return errors.Join(errs...)
}
