// Package config loads daemon settings from a YAML file, SPINDLE_*
// environment variables and command-line flags, in increasing precedence.
package config

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/juanpablocruz/spindle/pkg/auth"
	"github.com/juanpablocruz/spindle/pkg/node"
	"github.com/juanpablocruz/spindle/pkg/policy"
	"github.com/juanpablocruz/spindle/pkg/session"
)

type Config struct {
	Hostname string   `mapstructure:"hostname"`
	Hosts    []string `mapstructure:"hosts"`
	// Rank is this daemon's rank when the launcher already knows it, -1
	// otherwise.
	Rank     int    `mapstructure:"rank"`
	Port     int    `mapstructure:"port"`
	NumPorts int    `mapstructure:"num_ports"`
	Session  string `mapstructure:"session"`

	Mode     string `mapstructure:"mode"`
	Fanout   int    `mapstructure:"fanout"`
	Policy   string `mapstructure:"policy"`
	Location string `mapstructure:"location"`
	Persist  bool   `mapstructure:"persist"`
	NoClean  bool   `mapstructure:"noclean"`
	// Preload names a file listing one library path per line.
	Preload string `mapstructure:"preload"`

	Security string `mapstructure:"security"`
	Keyfile  string `mapstructure:"keyfile"`
	Socket   string `mapstructure:"socket"`
	LogLevel string `mapstructure:"log_level"`

	BootstrapTimeout time.Duration `mapstructure:"bootstrap_timeout"`
	EndGrace         time.Duration `mapstructure:"end_grace"`
	EndAfter         time.Duration `mapstructure:"end_after"`
}

func defaultLocation() string {
	user := os.Getenv("USER")
	if user == "" {
		user = "spindle"
	}
	return filepath.Join(os.TempDir(), "spindle-"+user)
}

func setDefaults(v *viper.Viper) {
	host, _ := os.Hostname()
	v.SetDefault("hostname", host)
	v.SetDefault("hosts", []string{})
	v.SetDefault("rank", -1)
	v.SetDefault("port", 21940)
	v.SetDefault("num_ports", 25)
	v.SetDefault("session", "")
	v.SetDefault("mode", "push")
	v.SetDefault("fanout", 0)
	v.SetDefault("policy", "root")
	v.SetDefault("location", defaultLocation())
	v.SetDefault("persist", false)
	v.SetDefault("noclean", false)
	v.SetDefault("preload", "")
	v.SetDefault("security", "none")
	v.SetDefault("keyfile", "")
	v.SetDefault("socket", "")
	v.SetDefault("log_level", "info")
	v.SetDefault("bootstrap_timeout", 30*time.Second)
	v.SetDefault("end_grace", 5*time.Second)
	v.SetDefault("end_after", time.Duration(0))
}

// Load reads path (optional), the environment and flags (optional). Flag
// names use dashes where keys use underscores.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("SPINDLE")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}
	if flags != nil {
		var bindErr error
		flags.VisitAll(func(f *pflag.Flag) {
			if f.Name == "config" {
				return
			}
			if err := v.BindPFlag(strings.ReplaceAll(f.Name, "-", "_"), f); err != nil {
				bindErr = errors.Join(bindErr, err)
			}
		})
		if bindErr != nil {
			return nil, fmt.Errorf("failed to bind flags: %w", bindErr)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &c, nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.Hostname == "" {
		errs = append(errs, errors.New("hostname is empty"))
	}
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if c.NumPorts <= 0 || c.Port+c.NumPorts-1 > 65535 {
		errs = append(errs, fmt.Errorf("num_ports %d out of range", c.NumPorts))
	}
	if c.Fanout < 0 {
		errs = append(errs, fmt.Errorf("fanout %d is negative", c.Fanout))
	}
	if c.Rank < -1 {
		errs = append(errs, fmt.Errorf("rank %d is negative", c.Rank))
	}
	if _, err := node.ParseMode(c.Mode); err != nil {
		errs = append(errs, err)
	}
	if _, err := policy.Parse(c.Policy); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.SessionID(); err != nil {
		errs = append(errs, err)
	}
	if m, err := auth.ParseMode(c.Security); err != nil {
		errs = append(errs, err)
	} else if m == auth.ModeKeyfile && c.Keyfile == "" {
		errs = append(errs, errors.New("security keyfile needs a keyfile"))
	}
	if len(c.Hosts) > 0 && c.Hosts[0] != c.Hostname {
		errs = append(errs, fmt.Errorf("hosts must start with this daemon (%s), got %s", c.Hostname, c.Hosts[0]))
	}
	if c.Location == "" {
		errs = append(errs, errors.New("location is empty"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// SessionID parses Session; an empty one is the nil session.
func (c *Config) SessionID() (session.ID, error) {
	if c.Session == "" {
		return session.Nil, nil
	}
	return session.Parse(c.Session)
}

// Key returns the shared secret, nil unless security is keyfile.
func (c *Config) Key() ([]byte, error) {
	m, err := auth.ParseMode(c.Security)
	if err != nil || m != auth.ModeKeyfile {
		return nil, err
	}
	return auth.LoadKeyfile(c.Keyfile)
}

// PreloadPaths reads the preload list, skipping blank lines and # comments.
func (c *Config) PreloadPaths() ([]string, error) {
	if c.Preload == "" {
		return nil, nil
	}
	f, err := os.Open(c.Preload)
	if err != nil {
		return nil, fmt.Errorf("preload: %w", err)
	}
	defer f.Close()
	var out []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out = append(out, line)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("preload: %w", err)
	}
	return out, nil
}
