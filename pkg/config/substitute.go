// Copyright (C) 2023  Ambassador Labs
//
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"regexp"
	"strings"
)

// An Expansion maps {placeholder} names to their values for one environment's
// commands.  PosArgs is separate because it expands to a word list, not a string.
type Expansion struct {
	Values  map[string]string
	PosArgs []string
}

var rePlaceholder = regexp.MustCompile(`\{([a-z_]*)\}`)

// ExpandString substitutes every {placeholder} in str.  {posargs} becomes the
// arguments joined with spaces.  An unknown placeholder is an error, not something
// to pass through silently to a subprocess.
func (x Expansion) ExpandString(str string) (string, error) {
	var badNames []string
	ret := rePlaceholder.ReplaceAllStringFunc(str, func(match string) string {
		name := match[1 : len(match)-1]
		if name == "posargs" {
			return strings.Join(x.PosArgs, " ")
		}
		if val, ok := x.Values[name]; ok {
			return val
		}
		badNames = append(badNames, match)
		return match
	})
	if len(badNames) > 0 {
		return "", fmt.Errorf("unknown placeholder %s in %q", strings.Join(badNames, ", "), str)
	}
	return ret, nil
}

// ExpandCommand splits a configured command into words and substitutes
// placeholders in each.  A word that is exactly "{posargs}" splices the positional
// arguments in as separate words; embedded in a longer word they join with spaces
// the way ExpandString renders them.  A command that is only "{posargs}" may
// therefore expand to no words at all; callers treat that as nothing to run.
func (x Expansion) ExpandCommand(command string) ([]string, error) {
	words, err := SplitWords(command)
	if err != nil {
		return nil, err
	}
	if len(words) == 0 {
		return nil, fmt.Errorf("empty command: %q", command)
	}
	var ret []string
	for _, word := range words {
		if word == "{posargs}" {
			ret = append(ret, x.PosArgs...)
			continue
		}
		expanded, err := x.ExpandString(word)
		if err != nil {
			return nil, err
		}
		ret = append(ret, expanded)
	}
	return ret, nil
}

// SplitWords splits a command string on whitespace, honoring double quotes for
// grouping.  This is intentionally not a shell: no variable expansion, no globs,
// no escapes; commands never pass through /bin/sh.
func SplitWords(str string) ([]string, error) {
	var words []string
	var cur strings.Builder
	inWord := false
	inQuote := false
	for _, r := range str {
		switch {
		case r == '"':
			inQuote = !inQuote
			inWord = true
		case !inQuote && (r == ' ' || r == '\t' || r == '\n'):
			if inWord {
				words = append(words, cur.String())
				cur.Reset()
				inWord = false
			}
		default:
			cur.WriteRune(r)
			inWord = true
		}
	}
	if inQuote {
		return nil, fmt.Errorf("unterminated quote in command: %q", str)
	}
	if inWord {
		words = append(words, cur.String())
	}
	return words, nil
}
