// Copyright (C) 2023  Ambassador Labs
//
// SPDX-License-Identifier: Apache-2.0

// This file mimics `configparser.py`, closely enough to read the tox.ini dialect:
// `=`/`:` delimiters, `#`/`;` comments, and indented continuation lines carrying
// multi-line values.

package python

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"unicode"
)

type INIFile map[string]INISection

type INISection map[string]string

type INIParser struct {
	Delimiters            []string
	CommentPrefixes       []string
	InlineCommentPrefixes []string

	// Strict rejects duplicate section and option names instead of merging them.
	Strict bool
	// EmptyLinesInValues keeps blank lines inside a multi-line value.
	EmptyLinesInValues bool

	// OptionTransform canonicalizes option keys.
	OptionTransform func(string) string
}

// NewINIParser returns a parser configured like a default
// configparser.ConfigParser().
func NewINIParser() *INIParser {
	return &INIParser{
		Delimiters:            []string{"=", ":"},
		CommentPrefixes:       []string{"#", ";"},
		InlineCommentPrefixes: []string{},

		Strict:             true,
		EmptyLinesInValues: true,

		OptionTransform: strings.ToLower,
	}
}

//nolint:gocognit // mirrors the configparser.py control flow
func (p *INIParser) Parse(reader io.Reader) (INIFile, error) {
	file := make(INIFile)

	var (
		curIndentLevel int
		curSection     INISection
		curKey         string
		curVal         []string
	)

	flushKV := func() {
		if curVal != nil {
			curSection[curKey] = strings.TrimRight(strings.Join(curVal, "\n"), "\n")
			curKey = ""
			curVal = nil
		}
	}

	lines := bufio.NewReader(reader)
	lineno := 0
	keepGoing := true
	for keepGoing {
		line, err := lines.ReadString('\n')
		if err != nil {
			if err != io.EOF {
				return nil, err
			}
			keepGoing = false
		}
		lineno++

		// strip comments and whitespace
		commentStart := len(line)
		for _, commentPrefix := range p.InlineCommentPrefixes {
			if index := strings.Index(line, commentPrefix); index > 0 && index < commentStart {
				commentStart = index
			}
		}
		for _, commentPrefix := range p.CommentPrefixes {
			if strings.HasPrefix(strings.TrimSpace(line), commentPrefix) {
				commentStart = 0
				break
			}
		}
		value := strings.TrimSpace(line[:commentStart])

		// handle empty lines
		if value == "" {
			if p.EmptyLinesInValues {
				// a blank (not commented) line inside a value stays
				// part of the value
				if curVal != nil && commentStart == len(line) {
					curVal = append(curVal, value)
				}
			} else {
				curIndentLevel = 0
			}
			continue
		}

		lineIndentLevel := 0
		for i, r := range line {
			if !unicode.IsSpace(r) {
				lineIndentLevel = i
				break
			}
		}

		switch {
		case curVal != nil && lineIndentLevel > 0 && lineIndentLevel > curIndentLevel:
			// continuation line
			curVal = append(curVal, value)
		case strings.HasPrefix(value, "[") && strings.HasSuffix(value, "]"):
			// section header
			flushKV()
			curIndentLevel = lineIndentLevel
			sectName := strings.TrimSuffix(strings.TrimPrefix(value, "["), "]")
			if _, exists := file[sectName]; exists && p.Strict {
				return nil, fmt.Errorf("line %d: duplicate section name %q", lineno, sectName)
			} else if !exists {
				file[sectName] = make(INISection)
			}
			curSection = file[sectName]
		default:
			// start of a k/v pair
			flushKV()
			curIndentLevel = lineIndentLevel
			if curSection == nil {
				return nil, fmt.Errorf("line %d: no section header", lineno)
			}
			sepPos := len(value)
			sepLen := 0
			for _, sep := range p.Delimiters {
				if index := strings.Index(value, sep); index >= 0 && index < sepPos {
					sepPos = index
					sepLen = len(sep)
				}
			}
			if sepPos == len(value) {
				return nil, fmt.Errorf("line %d: invalid line: %q", lineno, value)
			}
			curKey = p.OptionTransform(strings.TrimSpace(value[:sepPos]))
			if _, exists := curSection[curKey]; exists && p.Strict {
				return nil, fmt.Errorf("line %d: duplicate option name %q", lineno, curKey)
			}
			curVal = []string{
				strings.TrimSpace(value[sepPos+sepLen:]),
			}
		}
	}
	flushKV()

	return file, nil
}
