// Copyright (C) 2023  Ambassador Labs
//
// SPDX-License-Identifier: Apache-2.0

// Package pep425 implements PEP 425 compatibility tags, the "py3-none-any" triples
// that name which Python environments a built distribution supports.
//
// https://peps.python.org/pep-0425/
package pep425

import (
	"fmt"
	"strings"
)

// A Tag is a python-abi-platform triple.  Each component may itself be a
// "."-compressed set naming several values ("py2.py3-none-any").
type Tag struct {
	Python   string
	ABI      string
	Platform string
}

// ParseTag parses a "python-abi-platform" triple, as found in wheel filenames and in
// the Tag entries of a wheel's WHEEL file.
func ParseTag(str string) (*Tag, error) {
	parts := strings.Split(str, "-")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return nil, fmt.Errorf("pep425: invalid compatibility tag: %q", str)
	}
	return &Tag{Python: parts[0], ABI: parts[1], Platform: parts[2]}, nil
}

func (t Tag) String() string {
	return t.Python + "-" + t.ABI + "-" + t.Platform
}

// Decompress expands a compressed tag set into the simple tags it names; a simple
// tag decompresses to itself.
func (t Tag) Decompress() []Tag {
	var ret []Tag
	for _, python := range strings.Split(t.Python, ".") {
		for _, abi := range strings.Split(t.ABI, ".") {
			for _, platform := range strings.Split(t.Platform, ".") {
				ret = append(ret, Tag{python, abi, platform})
			}
		}
	}
	return ret
}

// Intersect reports whether tag-list 'a' and tag-list 'b' name any simple tag in
// common, decompressing as needed.
func Intersect(a, b []Tag) bool {
	for _, aCompressed := range a {
		for _, aSimple := range aCompressed.Decompress() {
			for _, bCompressed := range b {
				for _, bSimple := range bCompressed.Decompress() {
					if aSimple == bSimple {
						return true
					}
				}
			}
		}
	}
	return false
}
