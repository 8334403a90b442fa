// Copyright (C) 2023  Ambassador Labs
//
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/datawire/wheelwright/pkg/python"
)

// toxPlaceholders maps the tox substitutions wheelwright understands to its own
// placeholder names.  Anything not listed passes through untouched and gets caught
// by Validate.
var toxPlaceholders = map[string]string{
	"{toxinidir}": "{project}",
	"{distdir}":   "{dist}",
	"{envdir}":    "{envdir}",
	"{envbindir}": "{envbindir}",
	"{envpython}": "{python}",
	"{posargs}":   "{posargs}",
}

// FromTox translates a tox.ini into a Config: [tox] envlist, the [testenv] base
// section, and every [testenv:NAME] section, with tox's substitution syntax
// rewritten to wheelwright placeholders.  The result is a starting point for a
// wheelwright.yaml, not a bug-compatible tox clone; tox features with no
// wheelwright counterpart are dropped.
func FromTox(reader io.Reader) (*Config, error) {
	iniFile, err := python.NewINIParser().Parse(reader)
	if err != nil {
		return nil, fmt.Errorf("parse tox.ini: %w", err)
	}

	cfg := &Config{
		Environments: make(map[string]Environment),
	}

	if tox, ok := iniFile["tox"]; ok {
		cfg.EnvList = splitToxList(tox["envlist"])
	}

	base := iniFile["testenv"] // may be nil

	var names []string
	for section := range iniFile {
		if name, ok := strings.CutPrefix(section, "testenv:"); ok {
			names = append(names, name)
		}
	}
	// Environments named by envlist but defined only by the [testenv] defaults
	// still exist in tox; give them sections so they translate too.
	for _, name := range cfg.EnvList {
		if _, ok := iniFile["testenv:"+name]; !ok && base != nil {
			iniFile["testenv:"+name] = make(python.INISection)
			names = append(names, name)
		}
	}
	sort.Strings(names)

	for _, name := range names {
		section := iniFile["testenv:"+name]
		get := func(keys ...string) string {
			for _, key := range keys {
				if val, ok := section[key]; ok {
					return val
				}
				if val, ok := base[key]; ok {
					return val
				}
			}
			return ""
		}

		env := Environment{
			Description: get("description"),
			Python:      get("basepython"),
			SkipInstall: strings.EqualFold(get("skip_install"), "true"),
			Changedir:   rewriteToxSubst(get("changedir")),
		}
		for _, dep := range splitToxLines(get("deps")) {
			if file, ok := strings.CutPrefix(dep, "-r"); ok {
				env.Requirements = append(env.Requirements, strings.TrimSpace(rewriteToxSubst(file)))
			} else {
				env.Deps = append(env.Deps, dep)
			}
		}
		for _, command := range splitToxLines(get("commands")) {
			env.Commands = append(env.Commands, rewriteToxSubst(command))
		}
		env.PassEnv = splitToxList(get("passenv"))
		env.AllowlistExternals = splitToxLines(get("allowlist_externals", "whitelist_externals"))
		if setenv := splitToxLines(get("setenv")); len(setenv) > 0 {
			env.SetEnv = make(map[string]string, len(setenv))
			for _, kv := range setenv {
				key, val, ok := strings.Cut(kv, "=")
				if !ok {
					return nil, fmt.Errorf("tox.ini [testenv:%s] setenv: not KEY=VALUE: %q", name, kv)
				}
				env.SetEnv[strings.TrimSpace(key)] = strings.TrimSpace(rewriteToxSubst(val))
			}
		}

		cfg.Environments[name] = env
	}

	return cfg, nil
}

// splitToxLines splits a multi-line tox value into its non-empty lines.
func splitToxLines(val string) []string {
	var ret []string
	for _, line := range strings.Split(val, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			ret = append(ret, line)
		}
	}
	return ret
}

// splitToxList splits a tox list value, which may be comma or whitespace
// separated, possibly across lines.
func splitToxList(val string) []string {
	var ret []string
	for _, item := range strings.FieldsFunc(val, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t' || r == '\n'
	}) {
		if item != "" {
			ret = append(ret, item)
		}
	}
	return ret
}

func rewriteToxSubst(val string) string {
	for tox, ours := range toxPlaceholders {
		val = strings.ReplaceAll(val, tox, ours)
	}
	return val
}
