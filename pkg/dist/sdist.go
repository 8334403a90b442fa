// Copyright (C) 2023  Ambassador Labs
//
// SPDX-License-Identifier: Apache-2.0

package dist

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/datawire/wheelwright/pkg/python/metadata"
	"github.com/datawire/wheelwright/pkg/python/pep440"
)

// SdistFilename is the parsed form of a "{name}-{version}.tar.gz" filename.  The
// name itself may contain dashes, so the version is whatever follows the last one.
type SdistFilename struct {
	Distribution string
	Version      pep440.Version
}

func ParseSdistFilename(filename string) (*SdistFilename, error) {
	base, ok := strings.CutSuffix(filename, ".tar.gz")
	if !ok {
		return nil, fmt.Errorf("invalid sdist filename: %q: does not end in .tar.gz", filename)
	}
	sep := strings.LastIndex(base, "-")
	if sep < 1 {
		return nil, fmt.Errorf("invalid sdist filename: %q: no name-version separator", filename)
	}
	ver, err := pep440.ParseVersion(base[sep+1:])
	if err != nil {
		return nil, fmt.Errorf("invalid sdist filename: %q: %w", filename, err)
	}
	return &SdistFilename{
		Distribution: base[:sep],
		Version:      *ver,
	}, nil
}

// An Sdist is a scanned source distribution.
//
// Unlike wheels, tar archives don't support random access, so everything interesting
// is collected in a single pass when the sdist is opened.
type Sdist struct {
	// Name is the base filename the sdist was opened under.
	Name string
	// Info is the parsed form of Name.
	Info SdistFilename

	// TopDir is the archive's single top-level entry, which for a well-formed
	// sdist is a "{name}-{version}" directory.
	TopDir string
	// Files lists the archive's regular-file members, slash-separated and
	// TopDir-prefixed, in sorted order.
	Files []string

	pkgInfo []byte
}

func OpenSdist(filename string) (*Sdist, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("open sdist: %w", err)
	}
	defer func() {
		_ = file.Close()
	}()
	return NewSdist(filepath.Base(filename), file)
}

func NewSdist(name string, reader io.Reader) (*Sdist, error) {
	info, err := ParseSdistFilename(name)
	if err != nil {
		return nil, err
	}
	sd := &Sdist{
		Name: name,
		Info: *info,
	}

	gzReader, err := gzip.NewReader(reader)
	if err != nil {
		return nil, fmt.Errorf("open sdist: %q: %w", name, err)
	}
	defer func() {
		_ = gzReader.Close()
	}()

	tarReader := tar.NewReader(gzReader)
	topEntries := make(map[string]struct{})
	for {
		hdr, err := tarReader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read sdist: %q: %w", name, err)
		}
		// git-archive emits a pax_global_header pseudo-member.
		if hdr.Typeflag == tar.TypeXGlobalHeader {
			continue
		}
		memberName := path.Clean(hdr.Name)
		if memberName == "." {
			continue
		}
		topEntries[strings.Split(memberName, "/")[0]] = struct{}{}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		sd.Files = append(sd.Files, memberName)
		if path.Base(memberName) == "PKG-INFO" && strings.Count(memberName, "/") == 1 {
			content, err := io.ReadAll(tarReader)
			if err != nil {
				return nil, fmt.Errorf("read sdist: %q: %q: %w", name, memberName, err)
			}
			sd.pkgInfo = content
		}
	}

	switch len(topEntries) {
	case 0:
		return nil, fmt.Errorf("sdist %q is empty", name)
	case 1:
		for dir := range topEntries {
			sd.TopDir = dir
		}
	default:
		list := make([]string, 0, len(topEntries))
		for dir := range topEntries {
			list = append(list, dir)
		}
		sort.Strings(list)
		return nil, fmt.Errorf("sdist %q has multiple top-level entries: %v", name, list)
	}

	sort.Strings(sd.Files)
	return sd, nil
}

// Metadata parses the archive's "{topdir}/PKG-INFO" core metadata file.
func (sd *Sdist) Metadata() (*metadata.Metadata, error) {
	if sd.pkgInfo == nil {
		return nil, fmt.Errorf("%w in sdist tar archive: %q", fs.ErrNotExist, path.Join(sd.TopDir, "PKG-INFO"))
	}
	return metadata.Parse(bytes.NewReader(sd.pkgInfo))
}
