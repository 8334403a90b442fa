// Copyright (C) 2023  Ambassador Labs
//
// SPDX-License-Identifier: Apache-2.0

// Package dist reads and validates the two built-distribution formats, wheels and
// sdists, and drives the subprocesses that produce them.
package dist

import (
	"archive/zip"
	"bufio"
	"encoding/base64"
	"encoding/csv"
	"fmt"
	"io"
	"io/fs"
	"net/textproto"
	"path"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/datawire/dlib/derror"

	"github.com/datawire/wheelwright/pkg/python"
	"github.com/datawire/wheelwright/pkg/python/metadata"
	"github.com/datawire/wheelwright/pkg/python/pep425"
	"github.com/datawire/wheelwright/pkg/python/pep440"
)

// BuildTag is the optional build-number component of a wheel filename: a leading
// number and an arbitrary non-digit-led remainder.
type BuildTag struct {
	N   int
	Str string
}

func (bt BuildTag) String() string {
	return strconv.Itoa(bt.N) + bt.Str
}

// WheelFilename is the parsed form of a
// "{distribution}-{version}(-{build})?-{python}-{abi}-{platform}.whl" filename.
type WheelFilename struct {
	Distribution string
	Version      pep440.Version
	BuildTag     *BuildTag
	Tag          pep425.Tag // may be a compressed tag set
}

var reWheelFilename = regexp.MustCompile(regexp.MustCompile(`\s+`).ReplaceAllString(`
	^(?P<distribution>[^-]+)
	-(?P<version>[^-]+)
	(?:-(?P<build_n>[0-9]+)(?P<build_l>[^-0-9][^-]*)?)?
	-(?P<python>[^-]+)
	-(?P<abi>[^-]+)
	-(?P<platform>[^-]+)
	\.whl$`, ``))

func ParseWheelFilename(filename string) (*WheelFilename, error) {
	match := reWheelFilename.FindStringSubmatch(filename)
	if match == nil {
		return nil, fmt.Errorf("invalid wheel filename: %q", filename)
	}

	var ret WheelFilename

	ret.Distribution = match[reWheelFilename.SubexpIndex("distribution")]

	ver, err := pep440.ParseVersion(match[reWheelFilename.SubexpIndex("version")])
	if err != nil {
		return nil, fmt.Errorf("invalid wheel filename: %q: %w", filename, err)
	}
	ret.Version = *ver

	if buildN := match[reWheelFilename.SubexpIndex("build_n")]; buildN != "" {
		n, _ := strconv.Atoi(buildN)
		ret.BuildTag = &BuildTag{
			N:   n,
			Str: match[reWheelFilename.SubexpIndex("build_l")],
		}
	}

	ret.Tag = pep425.Tag{
		Python:   match[reWheelFilename.SubexpIndex("python")],
		ABI:      match[reWheelFilename.SubexpIndex("abi")],
		Platform: match[reWheelFilename.SubexpIndex("platform")],
	}

	return &ret, nil
}

// A Wheel is an opened wheel archive.
type Wheel struct {
	// Name is the base filename the wheel was opened under.
	Name string
	// Info is the parsed form of Name.
	Info WheelFilename

	zip    *zip.Reader
	closer io.Closer

	cachedDistInfoDir string
}

// NewWheel wraps an already-open zip archive.  The name must still be a valid wheel
// filename; everything else about the archive is validated lazily.
func NewWheel(name string, zipReader *zip.Reader) (*Wheel, error) {
	info, err := ParseWheelFilename(name)
	if err != nil {
		return nil, err
	}
	return &Wheel{
		Name: name,
		Info: *info,
		zip:  zipReader,
	}, nil
}

func OpenWheel(filename string) (*Wheel, error) {
	zipReader, err := zip.OpenReader(filename)
	if err != nil {
		return nil, fmt.Errorf("open wheel: %q: %w", filename, err)
	}
	wh, err := NewWheel(filepath.Base(filename), &zipReader.Reader)
	if err != nil {
		_ = zipReader.Close()
		return nil, err
	}
	wh.closer = zipReader
	return wh, nil
}

func (wh *Wheel) Close() error {
	if wh.closer != nil {
		return wh.closer.Close()
	}
	return nil
}

// Open opens a member of the archive by slash-path.
func (wh *Wheel) Open(filename string) (io.ReadCloser, error) {
	filename = path.Clean(filename)
	for _, file := range wh.zip.File {
		if path.Clean(file.Name) == filename {
			return file.Open()
		}
	}
	return nil, fmt.Errorf("%w in wheel zip archive: %q", fs.ErrNotExist, filename)
}

// DistInfoDir returns the wheel's "{name}-{version}.dist-info" directory.  Exactly
// one must exist; resolving ambiguity any other way is how installers get confused.
func (wh *Wheel) DistInfoDir() (string, error) {
	if wh.cachedDistInfoDir != "" {
		return wh.cachedDistInfoDir, nil
	}
	infoDirs := make(map[string]struct{})
	for _, file := range wh.zip.File {
		dirname := strings.Split(path.Clean(file.Name), "/")[0]
		if !strings.HasSuffix(dirname, ".dist-info") {
			continue
		}
		infoDirs[dirname] = struct{}{}
	}

	switch len(infoDirs) {
	case 0:
		return "", fmt.Errorf(".dist-info directory not found")
	case 1:
		for infoDir := range infoDirs {
			wh.cachedDistInfoDir = infoDir
			return infoDir, nil
		}
		panic("not reached")
	default:
		list := make([]string, 0, len(infoDirs))
		for dir := range infoDirs {
			list = append(list, dir)
		}
		sort.Strings(list)
		return "", fmt.Errorf("multiple .dist-info directories found: %v", list)
	}
}

// WHEEL parses the archive-level "{dist-info}/WHEEL" metadata file.
//
// textproto.Reader.ReadMIMEHeader expects a blank line to mark the end of the
// header, but WHEEL has no body and is free to end without one; pad the input with
// trailing CRLFs to keep ReadMIMEHeader happy no matter what WHEEL's trailing
// newline situation is.
func (wh *Wheel) WHEEL() (textproto.MIMEHeader, error) {
	infoDir, err := wh.DistInfoDir()
	if err != nil {
		return nil, err
	}
	wheelFile, err := wh.Open(path.Join(infoDir, "WHEEL"))
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = wheelFile.Close()
	}()

	kvReader := textproto.NewReader(bufio.NewReader(io.MultiReader(
		wheelFile,
		strings.NewReader("\r\n\r\n\r\n"),
	)))
	return kvReader.ReadMIMEHeader()
}

// Metadata parses the archive's "{dist-info}/METADATA" core metadata file.
func (wh *Wheel) Metadata() (*metadata.Metadata, error) {
	infoDir, err := wh.DistInfoDir()
	if err != nil {
		return nil, err
	}
	mdFile, err := wh.Open(path.Join(infoDir, "METADATA"))
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = mdFile.Close()
	}()
	return metadata.Parse(mdFile)
}

// VerifyRecord checks the archive against "{dist-info}/RECORD": every member must be
// listed with a matching strong hash and size, and RECORD must not list members that
// are missing from the archive.  RECORD itself is exempt from the hash requirement,
// and RECORD.jws/RECORD.p7s signature files are not listed at all.  It reports every
// problem found, not just the first.
func (wh *Wheel) VerifyRecord() error {
	distInfoDir, err := wh.DistInfoDir()
	if err != nil {
		return err
	}

	todo := make(map[string]struct{})
	for _, file := range wh.zip.File {
		if file.FileInfo().IsDir() {
			continue
		}
		name := path.Clean(file.Name)
		switch name {
		case path.Join(distInfoDir, "RECORD.jws"):
			// skip
		case path.Join(distInfoDir, "RECORD.p7s"):
			// skip
		default:
			todo[name] = struct{}{}
		}
	}

	recordData, err := func() ([][]string, error) {
		recordName := path.Join(distInfoDir, "RECORD")
		reader, err := wh.Open(recordName)
		if err != nil {
			return nil, err
		}
		defer func() {
			_ = reader.Close()
		}()
		csvReader := csv.NewReader(reader)
		// Rows should all have 3 columns, but report that per-row below
		// instead of refusing to read the file at all.
		csvReader.FieldsPerRecord = -1
		data, err := csvReader.ReadAll()
		if err != nil {
			return nil, fmt.Errorf("read %q: %w", recordName, err)
		}
		return data, nil
	}()
	if err != nil {
		return err
	}

	recordName := path.Join(distInfoDir, "RECORD")

	var errs derror.MultiError
	for i, row := range recordData {
		if len(row) != 3 {
			errs = append(errs, fmt.Errorf("RECORD row %d: does not have 3 columns: %q", i, row))
			continue
		}
		name, recHashsum, recSize := path.Clean(row[0]), row[1], row[2]
		delete(todo, name)

		// RECORD can't know its own hash, so its own row is allowed to be blank.
		if name == recordName && recHashsum == "" && recSize == "" {
			continue
		}

		algo := strings.SplitN(recHashsum, "=", 2)[0]
		if python.RecordHashers[algo] == nil {
			errs = append(errs, fmt.Errorf("RECORD row %d: file %q: invalid or weak hash %q (need one of sha256, sha384, or sha512)",
				i, name, recHashsum))
			continue
		}

		actHashsum, actSize, err := wh.hashFile(name, algo)
		if err != nil {
			errs = append(errs, fmt.Errorf("RECORD row %d: file %q: %w", i, name, err))
			continue
		}
		if actHashsum != recHashsum {
			errs = append(errs, fmt.Errorf("RECORD row %d: file %q: checksum mismatch: RECORD=%q actual=%q",
				i, name, recHashsum, actHashsum))
		}
		if recSize == "" {
			errs = append(errs, fmt.Errorf("RECORD row %d: file %q: missing size", i, name))
		} else if strconv.FormatInt(actSize, 10) != recSize {
			errs = append(errs, fmt.Errorf("RECORD row %d: file %q: size mismatch: RECORD=%s actual=%d",
				i, name, recSize, actSize))
		}
	}

	if len(todo) > 0 {
		todoNames := make([]string, 0, len(todo))
		for name := range todo {
			todoNames = append(todoNames, name)
		}
		sort.Strings(todoNames)
		errs = append(errs, fmt.Errorf("files not mentioned in RECORD: %q", todoNames))
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// hashFile digests one archive member with the named RECORD algorithm, rendering the
// digest the way RECORD spells it: "algo=urlsafe-b64-no-pad".
func (wh *Wheel) hashFile(filename, algo string) (hashsum string, size int64, err error) {
	reader, err := wh.Open(filename)
	if err != nil {
		return "", 0, err
	}
	defer func() {
		_ = reader.Close()
	}()

	hasher := python.RecordHashers[algo]()
	size, err = io.Copy(hasher, reader)
	if err != nil {
		return "", 0, err
	}
	return algo + "=" + base64.RawURLEncoding.EncodeToString(hasher.Sum(nil)), size, nil
}
