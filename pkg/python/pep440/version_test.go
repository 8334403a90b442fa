// Copyright (C) 2023  Ambassador Labs
//
// SPDX-License-Identifier: Apache-2.0

package pep440_test

import (
	"math/rand"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datawire/wheelwright/pkg/python/pep440"
	"github.com/datawire/wheelwright/pkg/testutil"
)

func TestSort(t *testing.T) {
	t.Parallel()
	testcases := map[string][]string{
		"final-releases": {
			"0.9",
			"0.9.1",
			"0.9.2",
			"0.9.10",
			"0.9.11",
			"1.0",
			"1.0.1",
			"1.1",
			"2.0",
			"2.0.1",
		},
		"date-based": {
			"2012.4",
			"2012.7",
			"2012.10",
			"2013.1",
			"2013.6",
		},
		"pre-releases": {
			"4.3a2",
			"4.3b2",
			"4.3rc2",
			"4.3",
		},
		"epochs": {
			"2013.10",
			"2014.04",
			"1!1.0",
			"1!1.1",
			"1!2.0",
		},
		"dev-and-post": {
			"0.9",
			"1.0.dev1",
			"1.0.dev2",
			"1.0.dev3",
			"1.0.dev4",
			"1.0c1",
			"1.0c2",
			"1.0",
			"1.0.post1",
			"1.1.dev1",
		},
		"suffix-ordering": {
			"1.0.dev456",
			"1.0a1",
			"1.0a2.dev456",
			"1.0a12.dev456",
			"1.0a12",
			"1.0b1.dev456",
			"1.0b2",
			"1.0b2.post345.dev456",
			"1.0b2.post345",
			"1.0rc1.dev456",
			"1.0rc1",
			"1.0",
			"1.0+abc.5",
			"1.0+abc.7",
			"1.0+5",
			"1.0.post456.dev34",
			"1.0.post456",
			"1.1.dev1",
		},
		"local-segments": {
			"1.0",
			"1.0+a",
			"1.0+bar",
			"1.0+z",
			"1.0+0",
			"1.0+0.z",
			"1.0+0.0",
			"1.0+0.0.0",
			"1.0+1",
			"1.0+10",
			"1.1",
		},
	}
	for tcName, tcData := range testcases {
		strs := tcData
		t.Run(tcName, func(t *testing.T) {
			t.Parallel()
			rand := rand.New(rand.NewSource(time.Now().UnixNano()))

			vers := make([]*pep440.Version, 0, len(strs))
			exps := make([]string, 0, len(strs))
			for _, str := range strs {
				ver, err := pep440.ParseVersion(str)
				require.NoError(t, err)
				require.NotNil(t, ver)
				vers = append(vers, ver)
				exps = append(exps, ver.String())
			}

			// Shuffle so that sort has something to do.
			rand.Shuffle(len(vers), func(i, j int) {
				vers[i], vers[j] = vers[j], vers[i]
			})

			sort.Slice(vers, func(i, j int) bool {
				return vers[i].Cmp(*vers[j]) < 0
			})
			acts := make([]string, 0, len(strs))
			for _, ver := range vers {
				acts = append(acts, ver.String())
			}
			assert.Equal(t, exps, acts)
		})
	}
}

func TestNormalize(t *testing.T) {
	t.Parallel()
	type TestCase struct {
		Input      string
		Normalized string // empty for parse error
	}
	testcases := map[string]TestCase{
		"case-sensitivity":             {"1.1RC1", "1.1rc1"},
		"integer-normalization-1":      {"00", "0"},
		"integer-normalization-2":      {"09000", "9000"},
		"integer-normalization-local":  {"1.0+foo0100", "1.0+foo0100"},
		"pre-release-separators-1":     {"1.1.a1", "1.1a1"},
		"pre-release-separators-2":     {"1.1-a1", "1.1a1"},
		"pre-release-separators-3":     {"1.0a.1", "1.0a1"},
		"pre-release-spelling-1":       {"1.1alpha1", "1.1a1"},
		"pre-release-spelling-2":       {"1.1beta2", "1.1b2"},
		"pre-release-spelling-3":       {"1.1c3", "1.1rc3"},
		"implicit-pre-release-number":  {"1.2a", "1.2a0"},
		"post-release-separators-1":    {"1.2-post2", "1.2.post2"},
		"post-release-separators-2":    {"1.2post2", "1.2.post2"},
		"post-release-separators-3":    {"1.2.post.2", "1.2.post2"},
		"post-release-spelling":        {"1.0-r4", "1.0.post4"},
		"implicit-post-release-number": {"1.2.post", "1.2.post0"},
		"implicit-post-release":        {"1.0-1", "1.0.post1"},
		"implicit-post-release-bad-1":  {"1.0-", ""},
		"implicit-post-release-bad-2":  {"1.0_1", ""},
		"dev-separators-1":             {"1.2-dev2", "1.2.dev2"},
		"dev-separators-2":             {"1.2dev2", "1.2.dev2"},
		"implicit-dev-number":          {"1.2.dev", "1.2.dev0"},
		"local-separators":             {"1.0+ubuntu-1", "1.0+ubuntu.1"},
		"preceding-v":                  {"v1.0", "1.0"},
		"whitespace":                   {"1.0\n", "1.0"},
	}
	for tcName, tcData := range testcases {
		tcData := tcData
		t.Run(tcName, func(t *testing.T) {
			t.Parallel()
			t.Logf("input: %q", tcData.Input)
			ver, err := pep440.ParseVersion(tcData.Input)
			if tcData.Normalized == "" {
				assert.Error(t, err)
				assert.Nil(t, ver)
			} else {
				assert.NoError(t, err)
				require.NotNil(t, ver)
				assert.Equal(t, tcData.Normalized, ver.String())
				if len(ver.Local) == 0 {
					assert.Equal(t, tcData.Normalized, ver.PublicVersion.String())
				}
			}
		})
	}
}

func TestRoundTrip(t *testing.T) {
	t.Parallel()
	testutil.QuickCheck(t,
		func(ver1 pep440.Version) bool {
			ver2, err := pep440.ParseVersion(ver1.String())
			if err != nil || ver2 == nil {
				return false
			}
			return ver1.Cmp(*ver2) == 0 && ver2.Cmp(ver1) == 0
		},
		testutil.QuickConfig{})
}

func TestCmpSymmetry(t *testing.T) {
	t.Parallel()
	staticInputs := [][]interface{}{
		{mustParseVersion(t, "1.0+1.0"), mustParseVersion(t, "1.0+1.0.0")},
		{mustParseVersion(t, "1.0+1.foo"), mustParseVersion(t, "1.0+1.bar")},
	}
	testutil.QuickCheck(t,
		func(ver1, ver2 pep440.Version) bool {
			ret := ver1.Cmp(ver2) == -ver2.Cmp(ver1)
			if !ret {
				t.Logf("failing:\n\tver1=%s\n\tver2=%s\n\tver1.Cmp(ver2)=%v\n\tver2.Cmp(ver1)=%v",
					ver1, ver2, ver1.Cmp(ver2), ver2.Cmp(ver1))
			}
			return ret
		},
		testutil.QuickConfig{},
		staticInputs...)
}

func TestUtilMethods(t *testing.T) {
	t.Parallel()
	type TestCase struct {
		Input pep440.Version

		Major        int
		Minor        int
		Micro        int
		IsPreRelease bool

		LocalIsFinal  bool
		PublicString  string
		PublicIsFinal bool
	}
	testcases := []TestCase{
		{mustParseVersion(t, "1"), 1, 0, 0, false, true, "1", true},
		{mustParseVersion(t, "1+par"), 1, 0, 0, false, false, "1", true},
		{mustParseVersion(t, "1.2"), 1, 2, 0, false, true, "1.2", true},
		{mustParseVersion(t, "1.2.3"), 1, 2, 3, false, true, "1.2.3", true},
		{mustParseVersion(t, "1.2rc2"), 1, 2, 0, true, false, "1.2rc2", false},
		{mustParseVersion(t, "1.2rc2.post3"), 1, 2, 0, true, false, "1.2rc2.post3", false},
		{mustParseVersion(t, "1.2rc2+par"), 1, 2, 0, true, false, "1.2rc2", false},
	}
	for _, tc := range testcases {
		tc := tc
		t.Run(tc.Input.String(), func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.Major, tc.Input.Major(), "Major")
			assert.Equal(t, tc.Minor, tc.Input.Minor(), "Minor")
			assert.Equal(t, tc.Micro, tc.Input.Micro(), "Micro")
			assert.Equal(t, tc.IsPreRelease, tc.Input.IsPreRelease(), "IsPreRelease")
			assert.Equal(t, tc.LocalIsFinal, tc.Input.IsFinal(), "LocalVersion.IsFinal")
			assert.Equal(t, tc.PublicString, tc.Input.PublicVersion.String(), "PublicVersion.String")
			assert.Equal(t, tc.PublicIsFinal, tc.Input.PublicVersion.IsFinal(), "PublicVersion.IsFinal")
		})
	}
}

func TestMustParseVersion(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "1.2.3", pep440.MustParseVersion("v1.2.3").String())
	assert.Panics(t, func() { pep440.MustParseVersion("not a version") })
}
