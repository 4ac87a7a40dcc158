package model

import (
	"fmt"
	"io"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/encoding/yaml"

	_ "embed"
)

const (
	LogStderr  = "stderr"
	LogStdout  = "stdout"
	LogDiscard = "discard"

	DefaultManager = "RemoteTransferManager"
	DefaultDoor    = "webdav"
)

//go:embed config.cue
var cueSource []byte

var (
	cueCtx *cue.Context
	schema cue.Value
)

func init() {
	if len(cueSource) == 0 {
		panic("variable cueSource is empty")
	}
	cueCtx = cuecontext.New()
	compiled := cueCtx.CompileBytes(cueSource)
	if compiled.Err() != nil {
		panic(compiled.Err())
	}

	if err := compiled.Validate(); err != nil {
		panic(err)
	}

	schema = compiled.LookupPath(cue.ParsePath("#Config"))
	if schema.Err() != nil {
		panic(schema.Err())
	}
	if err := schema.Validate(); err != nil {
		panic(err)
	}
}

type Config struct {
	Version   int        `json:"version" yaml:"version"` // fixed 0 for now
	Service   Service    `json:"service" yaml:"service"`
	Transfers Transfers  `json:"transfers" yaml:"transfers"`
	Namespace Namespace  `json:"namespace" yaml:"namespace"`
	History   *History   `json:"history,omitempty" yaml:"history,omitempty"`
	Worker    WorkerStub `json:"worker,omitempty" yaml:"worker,omitempty"`
}

// Service configures the process itself.
type Service struct {
	Verbose bool   `json:"verbose" yaml:"verbose"`
	Log     string `json:"log" yaml:"log"`         // "stderr"|"stdout"|"discard"|path
	Listen  string `json:"listen" yaml:"listen"`   // HTTP listen address
	Address string `json:"address" yaml:"address"` // bus address of the door
}

// Transfers configures supervision of remote transfers.
type Transfers struct {
	Manager        string `json:"manager" yaml:"manager"`
	Timeout        string `json:"timeout" yaml:"timeout"`
	MarkerPeriod   string `json:"marker_period" yaml:"marker_period"`
	MissingStrikes int    `json:"missing_strikes" yaml:"missing_strikes"`
}

// TimeoutDuration returns the submission timeout.
func (t Transfers) TimeoutDuration() (time.Duration, error) {
	d, err := ParseISODuration(t.Timeout)
	if err != nil {
		return 0, fmt.Errorf("transfers.timeout: %w", err)
	}
	return d, nil
}

// MarkerPeriodDuration returns the poll and marker period.
func (t Transfers) MarkerPeriodDuration() (time.Duration, error) {
	d, err := ParseISODuration(t.MarkerPeriod)
	if err != nil {
		return 0, fmt.Errorf("transfers.marker_period: %w", err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("transfers.marker_period: must be positive")
	}
	return d, nil
}

// Namespace selects the metadata service. Root serves a local directory,
// Address talks to a remote namespace over the bus.
type Namespace struct {
	Root    string `json:"root,omitempty" yaml:"root,omitempty"`
	Address string `json:"address,omitempty" yaml:"address,omitempty"`
}

// History configures the store of finished transfers.
type History struct {
	Path      string `json:"path" yaml:"path"`
	Retention string `json:"retention" yaml:"retention"`
	Prune     string `json:"prune" yaml:"prune"`
}

// WorkerStub is the raw worker section. It is decoded by the worker
// package, this only keeps it round trip safe.
type WorkerStub map[string]any

// LoadConfig validates YAML from r against CUE schema and decodes to Config.
func LoadConfig(r io.Reader) (Config, error) {
	yamlFile, err := yaml.Extract("config.yaml", r)
	if err != nil {
		return Config{}, err
	}
	yamlValue := cueCtx.BuildFile(yamlFile)

	unified := schema.Unify(yamlValue)
	if err := unified.Validate(
		cue.All(),          // all constraints
		cue.Concrete(true), // no incomplete values
	); err != nil {
		return Config{}, err
	}

	var out Config
	if err := unified.Decode(&out); err != nil {
		return Config{}, err
	}

	return out, nil
}

// DefaultConfig is written to disk when no configuration exists.
func DefaultConfig(root string) Config {
	return Config{
		Version: 0,
		Service: Service{
			Log:     LogStderr,
			Listen:  ":8080",
			Address: DefaultDoor,
		},
		Transfers: Transfers{
			Manager:        DefaultManager,
			Timeout:        "PT30S",
			MarkerPeriod:   "PT5S",
			MissingStrikes: 2,
		},
		Namespace: Namespace{
			Root: root,
		},
		History: &History{
			Path:      "courier.db",
			Retention: "P7D",
			Prune:     "@daily",
		},
	}
}
