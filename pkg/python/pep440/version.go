// Copyright (C) 2023  Ambassador Labs
//
// SPDX-License-Identifier: Apache-2.0

// Package pep440 implements PEP 440 version identifiers and version specifiers.
//
// https://peps.python.org/pep-0440/
package pep440

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"k8s.io/apimachinery/pkg/util/intstr"
)

// A Version is a local version identifier; in the common case the local segment is
// empty and it is simply a public version identifier.
type Version = LocalVersion

// PublicVersion is a public version identifier:
//
//	[N!]N(.N)*[{a|b|rc}N][.postN][.devN]
type PublicVersion struct {
	Epoch   int
	Release []int
	Pre     *PreRelease
	Post    *int
	Dev     *int
}

// PreRelease is the pre-release segment of a version; Phase is one of "a", "b", or
// "rc" once normalized.
type PreRelease struct {
	Phase string
	N     int
}

// LocalVersion is a public version identifier with an optional local segment
// ("1.2.3+ubuntu.1").  Purely-numeric local components compare numerically, so they
// are stored as int-or-string.
type LocalVersion struct {
	PublicVersion
	Local []intstr.IntOrString
}

// ParseVersion parses and normalizes a version string.  The accepted syntax is the
// permissive one from PEP 440 Appendix B; alternate spellings ("1.1RC1", "v1.0",
// "1.0-r4") normalize in the parsed result.
func ParseVersion(str string) (*Version, error) {
	ver, err := parseVersion(str)
	if err != nil {
		return nil, fmt.Errorf("pep440: %w", err)
	}
	return ver, nil
}

// MustParseVersion is like ParseVersion but panics on error.  For use with string
// constants.
func MustParseVersion(str string) Version {
	ver, err := ParseVersion(str)
	if err != nil {
		panic(err)
	}
	return *ver
}

func (ver PublicVersion) writeTo(ret *strings.Builder) {
	if ver.Epoch > 0 {
		fmt.Fprintf(ret, "%d!", ver.Epoch)
	}
	if len(ver.Release) == 0 {
		panic("invalid version: no release segments")
	}
	fmt.Fprintf(ret, "%d", ver.Release[0])
	for _, seg := range ver.Release[1:] {
		fmt.Fprintf(ret, ".%d", seg)
	}
	if ver.Pre != nil {
		fmt.Fprintf(ret, "%s%d", ver.Pre.Phase, ver.Pre.N)
	}
	if ver.Post != nil {
		fmt.Fprintf(ret, ".post%d", *ver.Post)
	}
	if ver.Dev != nil {
		fmt.Fprintf(ret, ".dev%d", *ver.Dev)
	}
}

// String renders the version as stored; it does not itself normalize, but anything
// that came out of ParseVersion renders in canonical form.
func (ver PublicVersion) String() string {
	var ret strings.Builder
	ver.writeTo(&ret)
	return ret.String()
}

func (ver LocalVersion) String() string {
	var ret strings.Builder
	ver.PublicVersion.writeTo(&ret)
	sep := "+"
	for _, seg := range ver.Local {
		ret.WriteString(sep)
		ret.WriteString(seg.String())
		sep = "."
	}
	return ret.String()
}

// Normalize re-parses the rendered version, canonicalizing any hand-constructed
// fields.
func (ver LocalVersion) Normalize() (*LocalVersion, error) {
	return ParseVersion(ver.String())
}

// IsFinal reports whether the version is a final release: no pre-, post-, or dev
// segment.
func (ver PublicVersion) IsFinal() bool {
	return ver.Pre == nil && ver.Post == nil && ver.Dev == nil
}

func (ver LocalVersion) IsFinal() bool {
	return ver.PublicVersion.IsFinal() && len(ver.Local) == 0
}

// IsPreRelease reports whether installers would consider the version a pre-release
// (this includes dev releases).
func (ver PublicVersion) IsPreRelease() bool {
	return ver.Pre != nil || ver.Dev != nil
}

// releaseSegment returns the n'th release segment, zero-padding short releases per
// the comparison rules.
func (ver PublicVersion) releaseSegment(n int) int {
	if n < len(ver.Release) {
		return ver.Release[n]
	}
	return 0
}

func (ver PublicVersion) Major() int { return ver.releaseSegment(0) }
func (ver PublicVersion) Minor() int { return ver.releaseSegment(1) }
func (ver PublicVersion) Micro() int { return ver.releaseSegment(2) }

// phaseRank orders pre-release phases.  A dev release with no pre-release segment
// sorts ahead of any pre-release of the same release segment, hence the -4 pseudo
// phase.
func phaseRank(phase string) int {
	switch phase {
	case "a", "alpha":
		return -3
	case "b", "beta":
		return -2
	case "rc", "c", "pre", "preview":
		return -1
	default:
		panic(fmt.Errorf("invalid pre-release phase: %q", phase))
	}
}

func cmpRelease(a, b PublicVersion) int {
	for i := 0; i < len(a.Release) || i < len(b.Release); i++ {
		if d := a.releaseSegment(i) - b.releaseSegment(i); d != 0 {
			return d
		}
	}
	return 0
}

func cmpPreRelease(a, b PublicVersion) int {
	var aRank, aN, bRank, bN int
	switch {
	case a.Pre != nil:
		aRank = phaseRank(a.Pre.Phase)
		aN = a.Pre.N
	case a.Dev != nil && a.Post == nil:
		aRank = -4
	}
	switch {
	case b.Pre != nil:
		bRank = phaseRank(b.Pre.Phase)
		bN = b.Pre.N
	case b.Dev != nil && b.Post == nil:
		bRank = -4
	}
	if aRank != bRank {
		return aRank - bRank
	}
	return aN - bN
}

// cmpPostRelease: a missing post segment sorts before .post0.
func cmpPostRelease(a, b PublicVersion) int {
	aPost, bPost := -1, -1
	if a.Post != nil {
		aPost = *a.Post
	}
	if b.Post != nil {
		bPost = *b.Post
	}
	return aPost - bPost
}

// cmpDevRelease: a missing dev segment sorts after any .devN.
func cmpDevRelease(a, b PublicVersion) int {
	switch {
	case a.Dev == nil && b.Dev == nil:
		return 0
	case a.Dev == nil:
		return 1
	case b.Dev == nil:
		return -1
	default:
		return (*a.Dev) - (*b.Dev)
	}
}

// Cmp returns <0 if a sorts before b, >0 if a sorts after b, and 0 if they are
// equal; like strcmp, only the sign is meaningful.
func (a PublicVersion) Cmp(b PublicVersion) int {
	if d := a.Epoch - b.Epoch; d != 0 {
		return d
	}
	if d := cmpRelease(a, b); d != 0 {
		return d
	}
	// Suffix order within a release: .devN, aN, bN, rcN, <none>, .postN.
	if d := cmpPreRelease(a, b); d != 0 {
		return d
	}
	if d := cmpPostRelease(a, b); d != 0 {
		return d
	}
	return cmpDevRelease(a, b)
}

// Local segment comparison: numeric segments compare numerically and beat
// alphanumeric segments; a longer local version wins a shared prefix.
func cmpLocalSegment(a, b *intstr.IntOrString) int {
	switch {
	case a == nil:
		return -1
	case b == nil:
		return 1
	}
	switch {
	case a.Type == intstr.Int && b.Type == intstr.Int:
		return int(a.IntVal - b.IntVal)
	case a.Type == intstr.String && b.Type == intstr.String:
		return strings.Compare(a.StrVal, b.StrVal)
	case a.Type == intstr.Int:
		return 1
	default:
		return -1
	}
}

func cmpLocal(a, b LocalVersion) int {
	for i := 0; i < len(a.Local) || i < len(b.Local); i++ {
		var aSeg, bSeg *intstr.IntOrString
		if i < len(a.Local) {
			aSeg = &(a.Local[i])
		}
		if i < len(b.Local) {
			bSeg = &(b.Local[i])
		}
		if d := cmpLocalSegment(aSeg, bSeg); d != 0 {
			return d
		}
	}
	return 0
}

func (a LocalVersion) Cmp(b LocalVersion) int {
	if d := a.PublicVersion.Cmp(b.PublicVersion); d != 0 {
		return d
	}
	return cmpLocal(a, b)
}

// reVersion is the permissive pattern from PEP 440 Appendix B.  It is written out
// readably and then squashed, because a 500-column regexp literal helps no one.
//
//nolint:lll
var reVersion = regexp.MustCompile(`(?i)^\s*` + regexp.MustCompile(`(?:\s+|#.*)`).ReplaceAllString(`
		v?
		(?:
		    (?:(?P<epoch>[0-9]+)!)?                           # epoch
		    (?P<release>[0-9]+(?:\.[0-9]+)*)                  # release segment
		    (?P<pre>                                          # pre-release
		        [-_\.]?
		        (?P<pre_l>(a|b|c|rc|alpha|beta|pre|preview))
		        [-_\.]?
		        (?P<pre_n>[0-9]+)?
		    )?
		    (?P<post>                                         # post release
		        (?:-(?P<post_n1>[0-9]+))
		        |
		        (?:
		            [-_\.]?
		            (?P<post_l>post|rev|r)
		            [-_\.]?
		            (?P<post_n2>[0-9]+)?
		        )
		    )?
		    (?P<dev>                                          # dev release
		        [-_\.]?
		        (?P<dev_l>dev)
		        [-_\.]?
		        (?P<dev_n>[0-9]+)?
		    )?
		)
		(?:\+(?P<local>[a-z0-9]+(?:[-_\.][a-z0-9]+)*))?       # local version
	`, ``) + `\s*$`)

// suffix is a parsed letter-and-number version suffix, post spelling
// normalization.
type suffix struct {
	letter string
	n      int
}

// parseSuffix normalizes a suffix spelling ("alpha" -> "a", "rev" -> "post") and
// its number (missing means 0).  Returns nil if the suffix is absent entirely.
func parseSuffix(letter, number string, spellings map[string]string) (*suffix, error) {
	if letter == "" && number == "" {
		return nil, nil //nolint:nilnil // absent suffix
	}
	letter = strings.ToLower(letter)
	canonical, ok := spellings[letter]
	if !ok {
		return nil, fmt.Errorf("invalid suffix spelling: %q", letter)
	}
	if number == "" {
		number = "0"
	}
	n, err := strconv.Atoi(number)
	if err != nil {
		return nil, err
	}
	return &suffix{letter: canonical, n: n}, nil
}

func parseVersion(str string) (*Version, error) {
	match := reVersion.FindStringSubmatch(str)
	if match == nil {
		return nil, fmt.Errorf("invalid version: %q", str)
	}

	var ver Version
	var err error

	if epoch := match[reVersion.SubexpIndex("epoch")]; epoch != "" {
		ver.Epoch, err = strconv.Atoi(epoch)
		if err != nil {
			return nil, err
		}
	}

	for _, segStr := range strings.Split(match[reVersion.SubexpIndex("release")], ".") {
		seg, err := strconv.Atoi(segStr)
		if err != nil {
			return nil, err
		}
		ver.Release = append(ver.Release, seg)
	}

	pre, err := parseSuffix(
		match[reVersion.SubexpIndex("pre_l")],
		match[reVersion.SubexpIndex("pre_n")],
		map[string]string{
			"a": "a", "alpha": "a",
			"b": "b", "beta": "b",
			"rc": "rc", "c": "rc", "pre": "rc", "preview": "rc",
		})
	if err != nil {
		return nil, fmt.Errorf("pre-release: %w", err)
	}
	if pre != nil {
		ver.Pre = &PreRelease{Phase: pre.letter, N: pre.n}
	}

	// The "" spelling is the implicit post release ("1.0-1"); only the post_n1
	// capture can produce it.
	post, err := parseSuffix(
		match[reVersion.SubexpIndex("post_l")],
		match[reVersion.SubexpIndex("post_n1")]+match[reVersion.SubexpIndex("post_n2")],
		map[string]string{
			"post": "post", "": "post", "rev": "post", "r": "post",
		})
	if err != nil {
		return nil, fmt.Errorf("post-release: %w", err)
	}
	if post != nil {
		ver.Post = &post.n
	}

	dev, err := parseSuffix(
		match[reVersion.SubexpIndex("dev_l")],
		match[reVersion.SubexpIndex("dev_n")],
		map[string]string{"dev": "dev"})
	if err != nil {
		return nil, fmt.Errorf("dev-release: %w", err)
	}
	if dev != nil {
		ver.Dev = &dev.n
	}

	localParts := strings.FieldsFunc(match[reVersion.SubexpIndex("local")], func(r rune) bool {
		return strings.ContainsRune("-_.", r)
	})
	for _, part := range localParts {
		ver.Local = append(ver.Local, intstr.Parse(strings.ToLower(part)))
	}

	return &ver, nil
}
