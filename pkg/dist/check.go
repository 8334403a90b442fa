// Copyright (C) 2023  Ambassador Labs
//
// SPDX-License-Identifier: Apache-2.0

package dist

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/datawire/dlib/derror"
	"github.com/yuin/goldmark"

	"github.com/datawire/wheelwright/pkg/python"
	"github.com/datawire/wheelwright/pkg/python/metadata"
	"github.com/datawire/wheelwright/pkg/python/pep425"
	"github.com/datawire/wheelwright/pkg/python/pep440"
	"github.com/datawire/wheelwright/pkg/python/pep503"
)

// A Report is the outcome of checking one distribution artifact.  Errors are
// problems that make the artifact unfit to publish; warnings are problems an index
// or installer will tolerate but shouldn't have to.
type Report struct {
	Path     string
	Errors   []string
	Warnings []string
}

func (r *Report) errorf(format string, args ...any) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

func (r *Report) warnf(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

// OK reports whether the artifact passed.  With strict set, warnings count as
// failures too.
func (r *Report) OK(strict bool) bool {
	if len(r.Errors) > 0 {
		return false
	}
	if strict && len(r.Warnings) > 0 {
		return false
	}
	return true
}

// A Checker validates distribution artifacts the way an index server would on
// upload, so problems surface before publishing instead of during it.
type Checker struct {
	// Index, if non-nil, is additionally consulted for filename collisions with
	// already-published files.
	Index *pep503.Client
}

// Check inspects one artifact, dispatching on the filename extension.  The returned
// error is reserved for the check itself failing to run (unreadable file,
// unreachable index); defects in the artifact go in the Report.
func (c *Checker) Check(ctx context.Context, filename string) (*Report, error) {
	if _, err := os.Stat(filename); err != nil {
		return nil, err
	}
	report := &Report{Path: filename}
	switch base := filepath.Base(filename); {
	case strings.HasSuffix(base, ".whl"):
		if err := c.checkWheel(ctx, report, filename); err != nil {
			return nil, err
		}
	case strings.HasSuffix(base, ".tar.gz"):
		if err := c.checkSdist(ctx, report, filename); err != nil {
			return nil, err
		}
	default:
		report.errorf("unsupported distribution format: %q", base)
	}
	return report, nil
}

func (c *Checker) checkWheel(ctx context.Context, report *Report, filename string) error {
	wh, err := OpenWheel(filename)
	if err != nil {
		report.errorf("%v", err)
		return nil
	}
	defer func() {
		_ = wh.Close()
	}()

	infoDir, err := wh.DistInfoDir()
	if err != nil {
		// Everything below needs the .dist-info directory.
		report.errorf("%v", err)
		return nil
	}
	diName, diVersion, ok := strings.Cut(strings.TrimSuffix(infoDir, ".dist-info"), "-")
	switch {
	case !ok:
		report.errorf("cannot split %q into a name and a version", infoDir)
	case pep503.NormalizeName(diName) != pep503.NormalizeName(wh.Info.Distribution):
		report.errorf(".dist-info directory %q does not match distribution name %q", infoDir, wh.Info.Distribution)
	default:
		if ver, err := pep440.ParseVersion(diVersion); err != nil {
			report.errorf(".dist-info directory %q: %v", infoDir, err)
		} else if ver.Cmp(wh.Info.Version) != 0 {
			report.errorf(".dist-info directory %q does not match version %q", infoDir, wh.Info.Version)
		}
	}

	checkWHEEL(report, wh)

	if err := wh.VerifyRecord(); err != nil {
		var errs derror.MultiError
		if errors.As(err, &errs) {
			for _, err := range errs {
				report.errorf("%v", err)
			}
		} else {
			report.errorf("%v", err)
		}
	}

	md, err := wh.Metadata()
	if err != nil {
		report.errorf("%v", err)
		return nil
	}
	checkMetadata(report, md, wh.Info.Distribution, wh.Info.Version)

	return c.checkCollision(ctx, report, filename, wh.Info.Distribution)
}

// maxWheelVersion is the newest WHEEL file-format version this package fully
// understands.
var maxWheelVersion = pep440.MustParseVersion("1.0") //nolint:gochecknoglobals // Would be 'const'.

func checkWHEEL(report *Report, wh *Wheel) {
	kv, err := wh.WHEEL()
	if err != nil {
		report.errorf("WHEEL: %v", err)
		return
	}

	verStr := kv.Get("Wheel-Version")
	if verStr == "" {
		report.errorf("WHEEL: no Wheel-Version")
		return
	}
	ver, err := pep440.ParseVersion(verStr)
	switch {
	case err != nil:
		report.errorf("WHEEL: Wheel-Version: %v", err)
		return
	case ver.Major() > maxWheelVersion.Major():
		report.errorf("WHEEL: Wheel-Version %s is too new to understand", verStr)
		return
	case ver.Cmp(maxWheelVersion) > 0:
		report.warnf("WHEEL: Wheel-Version %s is newer than expected; checking it as %s", verStr, maxWheelVersion)
	}

	// Every tag the filename expands to should be listed in WHEEL's Tag entries.
	var wheelTags []pep425.Tag
	for _, tagStr := range kv.Values("Tag") {
		tag, err := pep425.ParseTag(tagStr)
		if err != nil {
			report.errorf("WHEEL: %v", err)
			return
		}
		wheelTags = append(wheelTags, tag.Decompress()...)
	}
	if len(wheelTags) == 0 {
		report.warnf("WHEEL: no Tag entries")
		return
	}
	for _, fileTag := range wh.Info.Tag.Decompress() {
		if !pep425.Intersect([]pep425.Tag{fileTag}, wheelTags) {
			report.warnf("WHEEL: filename tag %q is not listed in WHEEL's Tag entries", fileTag)
		}
	}
}

func (c *Checker) checkSdist(ctx context.Context, report *Report, filename string) error {
	sd, err := OpenSdist(filename)
	if err != nil {
		report.errorf("%v", err)
		return nil
	}

	if sep := strings.LastIndex(sd.TopDir, "-"); sep < 1 {
		report.errorf("top-level directory %q does not look like {name}-{version}", sd.TopDir)
	} else {
		topName, topVerStr := sd.TopDir[:sep], sd.TopDir[sep+1:]
		topVer, err := pep440.ParseVersion(topVerStr)
		switch {
		case err != nil:
			report.errorf("top-level directory %q: %v", sd.TopDir, err)
		case pep503.NormalizeName(topName) != pep503.NormalizeName(sd.Info.Distribution) ||
			topVer.Cmp(sd.Info.Version) != 0:
			report.errorf("top-level directory %q does not match filename %q", sd.TopDir, sd.Name)
		}
	}

	md, err := sd.Metadata()
	if err != nil {
		report.errorf("%v", err)
		return nil
	}
	checkMetadata(report, md, sd.Info.Distribution, sd.Info.Version)

	return c.checkCollision(ctx, report, filename, sd.Info.Distribution)
}

// checkMetadata applies the format-independent core-metadata checks, plus agreement
// between the metadata and the filename it's packaged under.
func checkMetadata(report *Report, md *metadata.Metadata, distribution string, version pep440.Version) {
	if err := md.Validate(); err != nil {
		var errs derror.MultiError
		if errors.As(err, &errs) {
			for _, err := range errs {
				report.errorf("metadata: %v", err)
			}
		} else {
			report.errorf("metadata: %v", err)
		}
	}

	if name := md.Name(); name != "" && pep503.NormalizeName(name) != pep503.NormalizeName(distribution) {
		report.errorf("metadata: Name %q does not match filename distribution %q", name, distribution)
	}
	if verStr := md.Version(); verStr != "" {
		if ver, err := pep440.ParseVersion(verStr); err == nil && ver.Cmp(version) != 0 {
			report.errorf("metadata: Version %q does not match filename version %q", verStr, version)
		}
	}

	checkDescription(report, md)
}

// checkDescription makes sure the long description will actually render on an index
// server, rather than falling back to ugly plain text after upload.
func checkDescription(report *Report, md *metadata.Metadata) {
	if strings.TrimSpace(md.Description) == "" {
		report.warnf("metadata: no long description")
		return
	}
	rawType := md.DescriptionContentType()
	if rawType == "" {
		report.warnf("metadata: no Description-Content-Type, index servers will assume reStructuredText")
		return
	}
	contentType, _, err := mime.ParseMediaType(rawType)
	if err != nil {
		// Validate() already complained about the malformed header.
		return
	}
	switch contentType {
	case "text/markdown":
		if err := goldmark.Convert([]byte(md.Description), io.Discard); err != nil {
			report.errorf("metadata: long description is not renderable Markdown: %v", err)
		}
	case "text/x-rst":
		report.warnf("metadata: long description is reStructuredText, which cannot be validated locally")
	}
}

// checkCollision asks the configured index whether this exact filename has been
// published already.  Indexes refuse replacement uploads, so catching this locally
// is the difference between "bump the build tag" and a confusing HTTP 400.
func (c *Checker) checkCollision(ctx context.Context, report *Report, filename, distribution string) error {
	if c.Index == nil {
		return nil
	}
	links, err := c.Index.ListProjectFiles(ctx, distribution)
	if err != nil {
		var httpErr *pep503.HTTPError
		if errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusNotFound {
			// Project isn't on the index at all.
			return nil
		}
		return err
	}

	base := filepath.Base(filename)
	for _, link := range links {
		if link.Filename != base {
			continue
		}
		if remote, ok := link.Hashes()["sha256"]; ok {
			local, err := fileSHA256(filename)
			if err != nil {
				return err
			}
			if strings.EqualFold(remote, local) {
				report.errorf("index already has %s (same contents)", base)
			} else {
				report.errorf("index already has %s (different contents)", base)
			}
		} else {
			report.errorf("index already has %s", base)
		}
	}
	return nil
}

func fileSHA256(filename string) (string, error) {
	file, err := os.Open(filename)
	if err != nil {
		return "", err
	}
	defer func() {
		_ = file.Close()
	}()
	hasher := python.RecordHashers["sha256"]()
	if _, err := io.Copy(hasher, file); err != nil {
		return "", err
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}
