// Package workercfg loads per-worker configuration from a TOML file.
//
// Worker configuration has enough knobs that a structured file beats flags;
// the file carries a default section plus per-worker overrides.
package workercfg

import (
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml"

	"go.waggle.dev/waggle/pkg/types"
)

// Entry is one configuration section in the file.
type Entry struct {
	TestTimeoutSeconds         int64             `toml:"test_timeout_seconds"`
	MaximumPollIntervalSeconds int64             `toml:"maximum_poll_interval_seconds"`
	DeviceType                 string            `toml:"device_type"`
	RuntimeVersion             string            `toml:"runtime_version"`
	EnvironmentValues          map[string]string `toml:"environment_values"`
}

// File is the decoded worker configuration file.
type File struct {
	Default Entry            `toml:"default"`
	Workers map[string]Entry `toml:"workers"`
}

// Load reads and decodes a worker configuration file.
func Load(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open worker configuration: %w", err)
	}
	defer f.Close()
	var file File
	dec := toml.NewDecoder(f)
	if err := dec.Decode(&file); err != nil {
		return nil, fmt.Errorf("failed to read worker configuration: %w", err)
	}
	return &file, nil
}

// Defaults returns a usable built-in configuration for servers run without a file.
func Defaults() *File {
	return &File{
		Default: Entry{
			TestTimeoutSeconds:         600,
			MaximumPollIntervalSeconds: 30,
		},
	}
}

func (e Entry) merge(over Entry) Entry {
	out := e
	if over.TestTimeoutSeconds != 0 {
		out.TestTimeoutSeconds = over.TestTimeoutSeconds
	}
	if over.MaximumPollIntervalSeconds != 0 {
		out.MaximumPollIntervalSeconds = over.MaximumPollIntervalSeconds
	}
	if over.DeviceType != "" {
		out.DeviceType = over.DeviceType
	}
	if over.RuntimeVersion != "" {
		out.RuntimeVersion = over.RuntimeVersion
	}
	if len(over.EnvironmentValues) > 0 {
		merged := make(map[string]string, len(out.EnvironmentValues)+len(over.EnvironmentValues))
		for k, v := range out.EnvironmentValues {
			merged[k] = v
		}
		for k, v := range over.EnvironmentValues {
			merged[k] = v
		}
		out.EnvironmentValues = merged
	}
	return out
}

// ForWorker resolves the configuration handed to a worker at registration.
func (f *File) ForWorker(workerID types.WorkerID) types.WorkerConfiguration {
	entry := f.Default
	if over, ok := f.Workers[string(workerID)]; ok {
		entry = entry.merge(over)
	}
	return types.WorkerConfiguration{
		TestTimeout:         time.Duration(entry.TestTimeoutSeconds) * time.Second,
		MaximumPollInterval: time.Duration(entry.MaximumPollIntervalSeconds) * time.Second,
		DefaultDestination: types.TestDestination{
			DeviceType:     entry.DeviceType,
			RuntimeVersion: entry.RuntimeVersion,
		},
		EnvironmentValues: entry.EnvironmentValues,
	}
}
