// Copyright (C) 2023  Ambassador Labs
//
// SPDX-License-Identifier: Apache-2.0

package runner

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/joho/godotenv"

	"github.com/datawire/wheelwright/pkg/venv"
)

// baseAllowlist is what every environment's subprocesses receive regardless of the
// configured passenv: enough to find programs, write temp files, and talk to a
// package index, and nothing that would let the host environment leak into test
// results.
var baseAllowlist = []string{
	"PATH",
	"HOME",
	"TMPDIR", "TEMP", "TMP",
	"LANG", "LANGUAGE", "LC_*", "TZ",
	"SOURCE_DATE_EPOCH",
	"PIP_INDEX_URL", "PIP_EXTRA_INDEX_URL",
	"http_proxy", "https_proxy", "no_proxy",
	"HTTP_PROXY", "HTTPS_PROXY", "NO_PROXY",
}

// Environ computes a subprocess environment: the variables from osEnviron that
// match the base allowlist or one of the passenv globs, with envFile (dotenv)
// values as defaults under the explicit setenv values.
func Environ(osEnviron, passenv []string, setenv map[string]string, envFile string) ([]string, error) {
	patterns := append(append([]string(nil), baseAllowlist...), passenv...)

	merged := make(map[string]string)
	for _, kv := range osEnviron {
		key, val, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		for _, pattern := range patterns {
			if matchGlob(pattern, key) {
				merged[key] = val
				break
			}
		}
	}

	if envFile != "" {
		fileVals, err := godotenv.Read(envFile)
		if err != nil {
			return nil, fmt.Errorf("env_file: %w", err)
		}
		for key, val := range fileVals {
			if _, explicit := setenv[key]; !explicit {
				merged[key] = val
			}
		}
	}
	for key, val := range setenv {
		merged[key] = val
	}

	keys := make([]string, 0, len(merged))
	for key := range merged {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	environ := make([]string, 0, len(keys))
	for _, key := range keys {
		environ = append(environ, key+"="+merged[key])
	}
	return environ, nil
}

// withVenv overlays a venv onto an environment: VIRTUAL_ENV set, the venv's bin
// directory prepended to PATH, and PYTHONHOME dropped if a passenv glob let it
// through.
func withVenv(environ []string, v *venv.Venv) []string {
	ret := make([]string, 0, len(environ)+2)
	foundPath := false
	for _, kv := range environ {
		key, val, _ := strings.Cut(kv, "=")
		switch key {
		case "VIRTUAL_ENV", "PYTHONHOME":
			continue
		case "PATH":
			foundPath = true
			val = v.BinDir() + string(os.PathListSeparator) + val
		}
		ret = append(ret, key+"="+val)
	}
	if !foundPath {
		ret = append(ret, "PATH="+v.BinDir())
	}
	ret = append(ret, "VIRTUAL_ENV="+v.Dir)
	return ret
}

// matchGlob matches a passenv pattern against a variable name.  The only
// metacharacter is '*'; patterns are case-sensitive like the environment itself.
func matchGlob(pattern, name string) bool {
	if pattern == "" {
		return name == ""
	}
	if pattern[0] == '*' {
		for i := 0; i <= len(name); i++ {
			if matchGlob(pattern[1:], name[i:]) {
				return true
			}
		}
		return false
	}
	return name != "" && pattern[0] == name[0] && matchGlob(pattern[1:], name[1:])
}
