// Copyright 2024, Astria Org, Inc.
// For license information, see https://github.com/astriaorg/conductor/blob/main/LICENSE

// Package confighelpers layers configuration sources in a fixed order:
// command line flags, environment variables, config files, a literal JSON
// string, and an S3 object, with flags winning over everything else.
package confighelpers

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf"
	koanfjson "github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/providers/s3"
	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	flag "github.com/spf13/pflag"
)

func ApplyOverrides(f *flag.FlagSet, k *koanf.Koanf) error {
	// Command line opts
	if err := k.Load(posflag.Provider(f, ".", k), nil); err != nil {
		return err
	}
	if err := applyOverrideOverrides(f, k); err != nil {
		return err
	}
	return nil
}

// applyOverrideOverrides for configs that need to change how other configs are loaded.
func applyOverrideOverrides(f *flag.FlagSet, k *koanf.Koanf) error {
	// Environment variables
	if err := loadEnvironmentVariables(k); err != nil {
		return errors.Wrap(err, "error loading environment variables")
	}

	// Config files
	for _, configFile := range k.Strings("conf.file") {
		if err := k.Load(file.Provider(configFile), koanfjson.Parser()); err != nil {
			return errors.Wrapf(err, "error loading config file %s", configFile)
		}
	}

	// Config string
	configString := k.String("conf.string")
	if len(configString) > 0 {
		if err := k.Load(rawbytes.Provider([]byte(configString)), koanfjson.Parser()); err != nil {
			return errors.Wrap(err, "error loading config string")
		}
	}

	// Config stored in S3
	if len(k.String("conf.s3.bucket")) != 0 {
		if err := loadS3Variables(k); err != nil {
			return errors.Wrap(err, "error loading S3 settings")
		}
	}

	// Command line opts loaded again to override config files
	if err := k.Load(posflag.Provider(f, ".", k), nil); err != nil {
		return err
	}
	return nil
}

func loadEnvironmentVariables(k *koanf.Koanf) error {
	envPrefix := k.String("conf.env-prefix")
	if len(envPrefix) != 0 {
		return k.Load(env.Provider(envPrefix+"_", ".", func(key string) string {
			// FOO__BAR_BAZ -> bar-baz
			key = strings.ToLower(strings.TrimPrefix(key, envPrefix+"_"))
			key = strings.ReplaceAll(key, "__", ".")
			key = strings.ReplaceAll(key, "_", "-")
			return key
		}), nil)
	}
	return nil
}

func loadS3Variables(k *koanf.Koanf) error {
	return k.Load(s3.Provider(s3.Config{
		AccessKey: k.String("conf.s3.access-key"),
		SecretKey: k.String("conf.s3.secret-key"),
		Region:    k.String("conf.s3.region"),
		Bucket:    k.String("conf.s3.bucket"),
		ObjectKey: k.String("conf.s3.object-key"),
	}), koanfjson.Parser())
}

var ErrVersion = errors.New("configuration: version requested")

func BeginCommonParse(f *flag.FlagSet, args []string) (*koanf.Koanf, error) {
	for _, arg := range args {
		if arg == "--version" || arg == "-v" {
			return nil, ErrVersion
		}
	}
	if err := f.Parse(args); err != nil {
		return nil, err
	}
	if f.NArg() != 0 {
		// Unexpected number of parameters
		return nil, errors.New("unexpected number of parameters")
	}

	var k = koanf.New(".")
	if err := ApplyOverrides(f, k); err != nil {
		return nil, err
	}
	return k, nil
}

func EndCommonParse(k *koanf.Koanf, config interface{}) error {
	decoderConfig := mapstructure.DecoderConfig{
		ErrorUnused: true,

		// Default values
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc()),
		Metadata:         nil,
		Result:           config,
		WeaklyTypedInput: true,
	}
	err := k.UnmarshalWithConf("", config, koanf.UnmarshalConf{DecoderConfig: &decoderConfig, Tag: "koanf"})
	if err != nil {
		return errors.Wrap(err, "error parsing config")
	}
	return nil
}

func DumpConfig(k *koanf.Koanf, extraOverrideFields map[string]interface{}) error {
	overrideFields := map[string]interface{}{"conf.dump": false}

	for key, value := range extraOverrideFields {
		overrideFields[key] = value
	}

	// Don't keep printing configuration file and don't print keys (e.g. S3 credentials)
	err := k.Load(confmap.Provider(overrideFields, "."), nil)
	if err != nil {
		return errors.Wrap(err, "error removing extra parameters before dump")
	}

	c, err := k.Marshal(koanfjson.Parser())
	if err != nil {
		return errors.Wrap(err, "unable to marshal config file to JSON")
	}

	fmt.Println(string(c))
	os.Exit(0)
	return fmt.Errorf("Error dumping config to JSON")
}
