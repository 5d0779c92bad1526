// Copyright 2024, Astria Org, Inc.
// For license information, see https://github.com/astriaorg/conductor/blob/main/LICENSE

package conductor

import (
	"context"

	flag "github.com/spf13/pflag"

	"github.com/astriaorg/conductor/celestia"
	"github.com/astriaorg/conductor/cmd/genericconf"
	"github.com/astriaorg/conductor/cmd/util/confighelpers"
	"github.com/astriaorg/conductor/executor"
	"github.com/astriaorg/conductor/optimistic"
	"github.com/astriaorg/conductor/sequencerclient"
	"github.com/astriaorg/conductor/util/rpcclient"
)

type Config struct {
	Conf          genericconf.ConfConfig          `koanf:"conf"`
	LogLevel      string                          `koanf:"log-level"`
	LogType       string                          `koanf:"log-type"`
	FileLogging   genericconf.FileLoggingConfig   `koanf:"file-logging"`
	Metrics       bool                            `koanf:"metrics"`
	MetricsServer genericconf.MetricsServerConfig `koanf:"metrics-server"`
	PprofCfg      genericconf.PprofConfig         `koanf:"pprof-cfg"`

	// StateFile is where the durable commitment state lives.
	StateFile string `koanf:"state-file"`

	Execution    rpcclient.ClientConfig `koanf:"execution"`
	Sequencer    sequencerclient.Config `koanf:"sequencer"`
	Celestia     celestia.DAConfig      `koanf:"celestia"`
	Executor     executor.Config        `koanf:"executor"`
	Optimistic   optimistic.Config      `koanf:"optimistic"`
	StatusServer StatusServerConfig     `koanf:"status-server"`
}

var ConfigDefault = Config{
	Conf:          genericconf.ConfConfigDefault,
	LogLevel:      "INFO",
	LogType:       "plaintext",
	FileLogging:   genericconf.DefaultFileLoggingConfig,
	Metrics:       false,
	MetricsServer: genericconf.MetricsServerConfigDefault,
	PprofCfg:      genericconf.PprofConfigDefault,
	StateFile:     "conductor-state.json",
	Execution:     rpcclient.DefaultClientConfig,
	Sequencer:     sequencerclient.DefaultConfig,
	Celestia:      celestia.DefaultDAConfig,
	Executor:      executor.DefaultConfig,
	Optimistic:    optimistic.DefaultConfig,
	StatusServer:  StatusServerConfigDefault,
}

func ConfigAddOptions(f *flag.FlagSet) {
	genericconf.ConfConfigAddOptions("conf", f)
	f.String("log-level", ConfigDefault.LogLevel, "log level, valid values are CRIT, ERROR, WARN, INFO, DEBUG, TRACE")
	f.String("log-type", ConfigDefault.LogType, "log type (plaintext or json)")
	genericconf.FileLoggingConfigAddOptions("file-logging", f)
	f.Bool("metrics", ConfigDefault.Metrics, "enable metrics")
	genericconf.MetricsServerAddOptions("metrics-server", f)
	genericconf.PprofAddOptions("pprof-cfg", f)
	f.String("state-file", ConfigDefault.StateFile, "path of the durable commitment state file")
	rpcclient.RPCClientAddOptions("execution", f, &ConfigDefault.Execution)
	sequencerclient.ConfigAddOptions("sequencer", f)
	celestia.DAConfigAddOptions("celestia", f)
	executor.ConfigAddOptions("executor", f)
	optimistic.ConfigAddOptions("optimistic", f)
	StatusServerAddOptions("status-server", f)
}

func ParseConductor(_ context.Context, args []string) (*Config, error) {
	f := flag.NewFlagSet("", flag.ContinueOnError)

	ConfigAddOptions(f)

	k, err := confighelpers.BeginCommonParse(f, args)
	if err != nil {
		return nil, err
	}

	var config Config
	if err := confighelpers.EndCommonParse(k, &config); err != nil {
		return nil, err
	}

	if config.Conf.Dump {
		err = confighelpers.DumpConfig(k, map[string]interface{}{
			"execution.jwtsecret": "",
			"celestia.auth-token": "",
		})
		if err != nil {
			return nil, err
		}
	}

	return &config, nil
}
