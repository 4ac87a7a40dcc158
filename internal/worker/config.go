package worker

import (
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	DefaultPool      = "local"
	DefaultMaxActive = 4
)

// Config is the worker section of the configuration file. A direction
// without a command is refused.
type Config struct {
	Pool      string        `mapstructure:"pool"`
	Root      string        `mapstructure:"root"`
	MaxActive int           `mapstructure:"max_active"`
	Pull      CommandConfig `mapstructure:"pull"`
	Push      CommandConfig `mapstructure:"push"`
}

// CommandConfig is a command line template. Args may reference {id},
// {local}, {remote}, {direction} and {checksum}.
type CommandConfig struct {
	Path    string            `mapstructure:"path"`
	Args    []string          `mapstructure:"args"`
	Env     map[string]string `mapstructure:"env"`
	Timeout time.Duration     `mapstructure:"timeout"`
}

func ParseConfig(key string) (Config, error) {
	var cfg Config
	if err := viper.UnmarshalKey(key, &cfg); err != nil {
		return Config{}, err
	}
	if cfg.Pool == "" {
		cfg.Pool = DefaultPool
	}
	if cfg.MaxActive <= 0 {
		cfg.MaxActive = DefaultMaxActive
	}
	return cfg, nil
}

// Enabled reports whether at least one direction has a command.
func (c Config) Enabled() bool {
	return c.Pull.Path != "" || c.Push.Path != ""
}

// Vars are the values substituted into a command line.
type Vars struct {
	ID        int64
	Local     string
	Remote    string
	Direction string
	Checksum  string
	Token     string
	Headers   map[string]string
}

func (v Vars) replacer() *strings.Replacer {
	return strings.NewReplacer(
		"{id}", strconv.FormatInt(v.ID, 10),
		"{local}", v.Local,
		"{remote}", v.Remote,
		"{direction}", v.Direction,
		"{checksum}", v.Checksum,
	)
}

// Cmd expands the template. Configured env values starting with $ are
// taken from the process environment. The credential token and transfer
// headers are passed in the environment only, never on the command line.
func (c CommandConfig) Cmd(v Vars) Command {
	r := v.replacer()
	args := make([]string, 0, len(c.Args))
	for _, a := range c.Args {
		args = append(args, r.Replace(a))
	}

	env := os.Environ()
	for k, val := range c.Env {
		if strings.HasPrefix(val, "$") {
			val = os.ExpandEnv(val)
		}
		env = append(env, strings.ToUpper(k)+"="+val)
	}
	env = append(env, "COURIER_TRANSFER_ID="+strconv.FormatInt(v.ID, 10))
	if v.Token != "" {
		env = append(env, "COURIER_TOKEN="+v.Token)
	}
	names := make([]string, 0, len(v.Headers))
	for name := range v.Headers {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		env = append(env, fmt.Sprintf("COURIER_HEADER_%s=%s", envName(name), v.Headers[name]))
	}

	return Command{
		Path:    c.Path,
		Args:    args,
		Env:     env,
		Timeout: c.Timeout,
	}
}

func envName(header string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r - 'a' + 'A'
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return '_'
		}
	}, header)
}
