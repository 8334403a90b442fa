// Copyright (C) 2023  Ambassador Labs
//
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"regexp"
	"strings"

	"github.com/datawire/dlib/dlog"
	"github.com/go-viper/mapstructure/v2"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/pflag"
)

const envPrefix = "WHEELWRIGHT_"

// LoadOptions says where Load should look and what overrides it.
type LoadOptions struct {
	// Path is an explicit config file.  When empty, the search walks upward from
	// Dir looking for wheelwright.yaml or wheelwright.yml.
	Path string
	// Dir is where the upward search starts; empty means the current directory.
	Dir string
	// Flags, when non-nil, contributes explicitly-set command-line flags as the
	// highest-precedence layer.
	Flags *pflag.FlagSet
}

// Load builds a Config by merging, lowest precedence first: built-in defaults, the
// config file, WHEELWRIGHT_* environment variables ("__" separating nested keys,
// so WHEELWRIGHT_BUILD__VIA targets build.via), and command-line flags.  ${VAR}
// references anywhere in the merged string values expand from the process
// environment; references to unset variables are left alone.
func Load(ctx context.Context, opts LoadOptions) (*Config, error) {
	startDir := opts.Dir
	if startDir == "" {
		var err error
		startDir, err = os.Getwd()
		if err != nil {
			return nil, err
		}
	}

	configFile := opts.Path
	if configFile == "" {
		configFile = findConfigUpward(startDir)
		if configFile == "" {
			return nil, fmt.Errorf("no %s found in %s or any parent directory", ConfigFileName, startDir)
		}
	}
	configFile, err := filepath.Abs(configFile)
	if err != nil {
		return nil, err
	}
	dlog.Debugf(ctx, "using config file %s", configFile)

	// A --workdir given on the command line is relative to the caller's working
	// directory, not the config root; pin it down before path resolution.
	var flagWorkdir string
	if opts.Flags != nil && opts.Flags.Lookup("workdir") != nil && opts.Flags.Changed("workdir") {
		if v, _ := opts.Flags.GetString("workdir"); v != "" {
			flagWorkdir, _ = filepath.Abs(v)
		}
	}

	k := koanf.New(".")

	if err := k.Load(confmap.Provider(map[string]interface{}{
		"project.source":   ".",
		"project.dist_dir": "dist",
		"default_python":   "python3",
		"build.via":        "pip",
	}, "."), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if err := k.Load(file.Provider(configFile), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("read config file %s: %w", configFile, err)
	}

	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, envPrefix)), "__", ".")
	}), nil); err != nil {
		return nil, fmt.Errorf("load environment variables: %w", err)
	}

	if opts.Flags != nil {
		if err := k.Load(posflag.ProviderWithFlag(opts.Flags, ".", k, func(f *pflag.Flag) (string, interface{}) {
			if !f.Changed {
				return "", nil
			}
			switch f.Name {
			case "workdir":
				return "workdir", posflag.FlagVal(opts.Flags, f)
			default:
				// Everything else is per-invocation behavior, not
				// configuration.
				return "", nil
			}
		}), nil); err != nil {
			return nil, fmt.Errorf("load flags: %w", err)
		}
	}

	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{
		Tag: "yaml",
		DecoderConfig: &mapstructure.DecoderConfig{
			DecodeHook: mapstructure.ComposeDecodeHookFunc(
				expandEnvHookFunc(),
				scalarToListHookFunc(),
			),
			Result:           &cfg,
			WeaklyTypedInput: true,
			ErrorUnused:      true,
		},
	}); err != nil {
		return nil, fmt.Errorf("decode config %s: %w", configFile, err)
	}

	cfg.Path = configFile
	cfg.Root = filepath.Dir(configFile)
	cfg.ApplyDefaults()
	resolvePaths(&cfg)
	if flagWorkdir != "" {
		cfg.Workdir = flagWorkdir
	}

	if cfg.Project.Name == "" {
		name, err := pyprojectName(pyprojectPath(&cfg))
		if err != nil {
			return nil, err
		}
		if name == "" {
			name = filepath.Base(cfg.Root)
		}
		cfg.Project.Name = name
	}

	return &cfg, nil
}

func findConfigUpward(startDir string) string {
	dir := startDir
	for {
		for _, name := range []string{ConfigFileName, ConfigFileNameAlt} {
			candidate := filepath.Join(dir, name)
			if _, err := os.Stat(candidate); err == nil {
				return candidate
			}
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

// resolvePaths turns project-relative paths absolute against cfg.Root.  Values that
// take {placeholders} (changedir, command words) stay raw; they resolve after
// substitution instead.
func resolvePaths(cfg *Config) {
	cfg.Project.Source = resolveAgainst(cfg.Project.Source, cfg.Root)
	cfg.Project.DistDir = resolveAgainst(cfg.Project.DistDir, cfg.Root)
	cfg.Project.Pyproject = resolveAgainst(cfg.Project.Pyproject, cfg.Root)
	if cfg.Workdir == "" {
		cfg.Workdir = filepath.Join(cfg.Root, ".wheelwright")
	} else {
		cfg.Workdir = resolveAgainst(cfg.Workdir, cfg.Root)
	}
	for name, env := range cfg.Environments {
		for i, req := range env.Requirements {
			env.Requirements[i] = resolveAgainst(req, cfg.Root)
		}
		env.EnvFile = resolveAgainst(env.EnvFile, cfg.Root)
		cfg.Environments[name] = env
	}
}

func resolveAgainst(path, base string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(base, path)
}

func pyprojectPath(cfg *Config) string {
	if cfg.Project.Pyproject != "" {
		return cfg.Project.Pyproject
	}
	return filepath.Join(cfg.Project.Source, "pyproject.toml")
}

// pyprojectName reads [project].name from a pyproject.toml.  A missing file is not
// an error; an unparseable one is.
func pyprojectName(filename string) (string, error) {
	content, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	var doc struct {
		Project struct {
			Name string `toml:"name"`
		} `toml:"project"`
	}
	if err := toml.Unmarshal(content, &doc); err != nil {
		return "", fmt.Errorf("parse %s: %w", filename, err)
	}
	return doc.Project.Name, nil
}

var reEnvRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnvHookFunc expands ${VAR} references in decoded strings from the process
// environment.
func expandEnvHookFunc() mapstructure.DecodeHookFuncType {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if from.Kind() != reflect.String || to.Kind() != reflect.String {
			return data, nil
		}
		return reEnvRef.ReplaceAllStringFunc(data.(string), func(match string) string {
			if val, ok := os.LookupEnv(match[2 : len(match)-1]); ok {
				return val
			}
			return match
		}), nil
	}
}

// scalarToListHookFunc lets "deps: pytest" mean the same thing as a one-element
// list.
func scalarToListHookFunc() mapstructure.DecodeHookFuncType {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if from.Kind() == reflect.String && to.Kind() == reflect.Slice && to.Elem().Kind() == reflect.String {
			return []string{data.(string)}, nil
		}
		return data, nil
	}
}
