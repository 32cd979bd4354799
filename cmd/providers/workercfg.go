package providers

import (
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"go.waggle.dev/waggle/pkg/workercfg"
)

// NewWorkerConfigs loads the worker configuration file.
// Worker configuration has enough knobs that it's easiest to read in a file;
// servers run without one fall back to built-in defaults.
func NewWorkerConfigs(log *zap.Logger) (*workercfg.File, error) {
	path := viper.GetString(ConfWorkerConfigFile)
	if path == "" {
		log.Info("No worker configuration file, using defaults")
		return workercfg.Defaults(), nil
	}
	log.Info("Reading worker configuration", zap.String(ConfWorkerConfigFile, path))
	return workercfg.Load(path)
}
