// Copyright (C) 2023  Ambassador Labs
//
// SPDX-License-Identifier: Apache-2.0

// Package metadata implements the python.org core metadata file format, as found in
// a wheel's METADATA file and an sdist's PKG-INFO file.
//
// https://packaging.python.org/en/latest/specifications/core-metadata/
package metadata

import (
	"bufio"
	"fmt"
	"io"
	"mime"
	"net/textproto"
	"regexp"
	"strings"

	"github.com/datawire/dlib/derror"

	"github.com/datawire/wheelwright/pkg/python/pep440"
)

// Metadata is a parsed core metadata file.
type Metadata struct {
	// Fields holds every header field, keyed by canonical MIME header name
	// ("Metadata-Version", "Name", "Requires-Dist", ...).  Multi-use fields keep
	// every value, in file order.
	Fields textproto.MIMEHeader

	// Description is the long description.  Metadata 2.1 moved it from the
	// Description field to the message body; Parse accepts either.
	Description string
}

// knownVersions are the Metadata-Version values that have been specified; 2.0 was
// withdrawn and never sanctioned.
//
//nolint:gochecknoglobals // Would be 'const'.
var knownVersions = map[string]struct{}{
	"1.0": {}, "1.1": {}, "1.2": {},
	"2.1": {}, "2.2": {}, "2.3": {}, "2.4": {},
}

// rePackageName is the PEP 508 project name syntax.
var rePackageName = regexp.MustCompile(`(?i)^([A-Z0-9]|[A-Z0-9][A-Z0-9._-]*[A-Z0-9])$`)

// Parse reads a METADATA or PKG-INFO file.
//
// textproto.Reader.ReadMIMEHeader expects a blank line to mark the end of the
// header, but a metadata file with no body is free to end without one; pad the input
// with trailing CRLFs and trim them back off of the body afterward.
func Parse(reader io.Reader) (*Metadata, error) {
	kvReader := textproto.NewReader(bufio.NewReader(io.MultiReader(
		reader,
		strings.NewReader("\r\n\r\n\r\n"),
	)))
	fields, err := kvReader.ReadMIMEHeader()
	if err != nil {
		return nil, fmt.Errorf("metadata: %w", err)
	}
	body, err := io.ReadAll(kvReader.R)
	if err != nil {
		return nil, fmt.Errorf("metadata: %w", err)
	}

	ret := &Metadata{
		Fields:      fields,
		Description: strings.TrimRight(string(body), "\r\n"),
	}
	if ret.Description == "" {
		ret.Description = fields.Get("Description")
	}
	return ret, nil
}

func (md *Metadata) Name() string    { return md.Fields.Get("Name") }
func (md *Metadata) Version() string { return md.Fields.Get("Version") }

// DescriptionContentType returns the declared Description-Content-Type, or "" if
// none is declared (in which case consumers fall back to text/x-rst).
func (md *Metadata) DescriptionContentType() string {
	return md.Fields.Get("Description-Content-Type")
}

//nolint:gochecknoglobals // Would be 'const'.
var knownDescriptionTypes = map[string]struct{}{
	"text/plain":    {},
	"text/x-rst":    {},
	"text/markdown": {},
}

// Validate checks the structural requirements that an index would enforce at upload
// time: the fields that must be present, and the fields whose values have mandated
// syntax.  It reports every problem found, not just the first.
func (md *Metadata) Validate() error {
	var errs derror.MultiError

	switch mdVersion := md.Fields.Get("Metadata-Version"); mdVersion {
	case "":
		errs = append(errs, fmt.Errorf("required field Metadata-Version is missing"))
	default:
		if _, known := knownVersions[mdVersion]; !known {
			errs = append(errs, fmt.Errorf("unknown Metadata-Version: %q", mdVersion))
		}
	}

	switch name := md.Name(); name {
	case "":
		errs = append(errs, fmt.Errorf("required field Name is missing"))
	default:
		if !rePackageName.MatchString(name) {
			errs = append(errs, fmt.Errorf("invalid Name: %q", name))
		}
	}

	switch version := md.Version(); version {
	case "":
		errs = append(errs, fmt.Errorf("required field Version is missing"))
	default:
		if _, err := pep440.ParseVersion(version); err != nil {
			errs = append(errs, fmt.Errorf("invalid Version: %w", err))
		}
	}

	if contentType := md.DescriptionContentType(); contentType != "" {
		mediaType, params, err := mime.ParseMediaType(contentType)
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid Description-Content-Type: %q: %w",
				contentType, err))
		} else {
			if _, known := knownDescriptionTypes[mediaType]; !known {
				errs = append(errs, fmt.Errorf("unknown Description-Content-Type: %q",
					mediaType))
			}
			if charset, ok := params["charset"]; ok && !strings.EqualFold(charset, "utf-8") {
				errs = append(errs, fmt.Errorf("unsupported Description-Content-Type charset: %q",
					charset))
			}
		}
	}

	for _, requirement := range md.Fields.Values("Requires-Python") {
		if _, err := pep440.ParseSpecifier(requirement); err != nil {
			errs = append(errs, fmt.Errorf("invalid Requires-Python: %w", err))
		}
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}
