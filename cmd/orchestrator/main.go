package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/drone/envsubst"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/flagext"
	"gopkg.in/yaml.v2"

	"github.com/oz-monitor/orchestrator/cmd/orchestrator/app"
	"github.com/oz-monitor/orchestrator/pkg/util/log"
)

// defaultConfigPaths are searched in order when -config.file is not given.
var defaultConfigPaths = []string{
	"/etc/oz-monitor/config.yaml",
	"./config.yaml",
}

func main() {
	config, configVerify, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed parsing config: %v\n", err)
		os.Exit(1)
	}

	logger := log.InitLogger(config.LogLevel)

	if err := config.Validate(); err != nil {
		level.Error(logger).Log("msg", "invalid config", "err", err)
		os.Exit(1)
	}
	for _, warning := range config.CheckConfig() {
		level.Warn(logger).Log("msg", warning)
	}
	if configVerify {
		os.Exit(0)
	}

	a, err := app.New(*config, logger)
	if err != nil {
		level.Error(logger).Log("msg", "error initialising orchestrator", "err", err)
		os.Exit(1)
	}

	level.Info(logger).Log("msg", "starting orchestrator", "target", config.Target)

	if err := a.Run(); err != nil {
		level.Error(logger).Log("msg", "error running orchestrator", "err", err)
		os.Exit(1)
	}
}

func loadConfig() (*app.Config, bool, error) {
	const (
		configFileOption      = "config.file"
		configExpandEnvOption = "config.expand-env"
		configVerifyOption    = "config.verify"
	)

	var (
		configFile      string
		configExpandEnv bool
		configVerify    bool
	)

	args := os.Args[1:]
	config := &app.Config{}

	// first get the config file
	fs := flag.NewFlagSet("", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	fs.StringVar(&configFile, configFileOption, "", "")
	fs.BoolVar(&configExpandEnv, configExpandEnvOption, false, "")
	fs.BoolVar(&configVerify, configVerifyOption, false, "")

	// Parsing stops on the first unknown flag, so retry from every position
	// until the config flags are found or the args run out.
	for len(args) > 0 {
		_ = fs.Parse(args)
		args = args[1:]
	}

	if configFile == "" {
		for _, path := range defaultConfigPaths {
			if _, err := os.Stat(path); err == nil {
				configFile = path
				break
			}
		}
	}

	// load config defaults and register flags
	config.RegisterFlagsAndApplyDefaults("", flag.CommandLine)

	// overlay with config file if present
	var buff []byte
	if configFile != "" {
		var err error
		buff, err = os.ReadFile(configFile)
		if err != nil {
			return nil, false, fmt.Errorf("failed to read configFile %s: %w", configFile, err)
		}

		if configExpandEnv {
			s, err := envsubst.EvalEnv(string(buff))
			if err != nil {
				return nil, false, fmt.Errorf("failed to expand env vars from configFile %s: %w", configFile, err)
			}
			buff = []byte(s)
		}
	}

	buff, err := applyEnvOverrides(buff)
	if err != nil {
		return nil, false, err
	}
	if len(buff) > 0 {
		if err := yaml.UnmarshalStrict(buff, config); err != nil {
			return nil, false, fmt.Errorf("failed to parse configFile %s: %w", configFile, err)
		}
	}

	// overlay with cli
	flagext.IgnoredFlag(flag.CommandLine, configFileOption, "Configuration file to load")
	flagext.IgnoredFlag(flag.CommandLine, configExpandEnvOption, "Whether to expand environment variables in config file")
	flagext.IgnoredFlag(flag.CommandLine, configVerifyOption, "Verify configuration and exit")
	flag.Parse()

	return config, configVerify, nil
}

func applyEnvOverrides(buff []byte) ([]byte, error) {
	out, err := app.ApplyEnvOverrides(buff, os.Environ())
	if err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}
	return out, nil
}
