// Copyright (C) 2023  Ambassador Labs
//
// SPDX-License-Identifier: Apache-2.0

package dist_test

import (
	"crypto/sha256"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/datawire/dlib/dlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datawire/wheelwright/pkg/dist"
	"github.com/datawire/wheelwright/pkg/python/pep503"
)

// runCheck writes content to a file with the given name and checks it with a
// Checker that has no index configured.
func runCheck(t *testing.T, filename string, content []byte) *dist.Report {
	t.Helper()
	ctx := dlog.NewTestContext(t, true)
	path := filepath.Join(t.TempDir(), filename)
	require.NoError(t, os.WriteFile(path, content, 0o666))
	report, err := (&dist.Checker{}).Check(ctx, path)
	require.NoError(t, err)
	return report
}

func joined(list []string) string {
	return strings.Join(list, "\n")
}

func TestCheckWheel(t *testing.T) {
	t.Parallel()

	t.Run("clean", func(t *testing.T) {
		t.Parallel()
		report := runCheck(t, "distro-1.8.0-py3-none-any.whl", mkZipBytes(t, mkWheelFiles()))
		assert.Empty(t, report.Errors)
		assert.Empty(t, report.Warnings)
		assert.True(t, report.OK(true))
	})

	t.Run("wheel-version-minor", func(t *testing.T) {
		t.Parallel()
		files := mkWheelFilesWith("Wheel-Version: 1.1\nTag: py3-none-any\n", testMETADATA)
		report := runCheck(t, "distro-1.8.0-py3-none-any.whl", mkZipBytes(t, files))
		assert.Empty(t, report.Errors)
		assert.Contains(t, joined(report.Warnings), "Wheel-Version 1.1 is newer than expected")
		assert.True(t, report.OK(false))
		assert.False(t, report.OK(true))
	})

	t.Run("wheel-version-major", func(t *testing.T) {
		t.Parallel()
		files := mkWheelFilesWith("Wheel-Version: 2.0\nTag: py3-none-any\n", testMETADATA)
		report := runCheck(t, "distro-1.8.0-py3-none-any.whl", mkZipBytes(t, files))
		assert.Contains(t, joined(report.Errors), "Wheel-Version 2.0 is too new to understand")
		assert.False(t, report.OK(false))
	})

	t.Run("record-corrupt", func(t *testing.T) {
		t.Parallel()
		files := mkWheelFiles()
		files["distro/__init__.py"] = "__version__ = 'tampered'\n"
		report := runCheck(t, "distro-1.8.0-py3-none-any.whl", mkZipBytes(t, files))
		assert.Contains(t, joined(report.Errors), "checksum mismatch")
		assert.Contains(t, joined(report.Errors), "size mismatch")
	})

	t.Run("name-mismatch", func(t *testing.T) {
		t.Parallel()
		md := strings.Replace(testMETADATA, "Name: distro", "Name: somethingelse", 1)
		files := mkWheelFilesWith(testWHEEL, md)
		report := runCheck(t, "distro-1.8.0-py3-none-any.whl", mkZipBytes(t, files))
		assert.Contains(t, joined(report.Errors),
			`metadata: Name "somethingelse" does not match filename distribution "distro"`)
	})

	t.Run("version-mismatch", func(t *testing.T) {
		t.Parallel()
		md := strings.Replace(testMETADATA, "Version: 1.8.0", "Version: 9.9", 1)
		files := mkWheelFilesWith(testWHEEL, md)
		report := runCheck(t, "distro-1.8.0-py3-none-any.whl", mkZipBytes(t, files))
		assert.Contains(t, joined(report.Errors),
			`metadata: Version "9.9" does not match filename version "1.8.0"`)
	})

	t.Run("no-description", func(t *testing.T) {
		t.Parallel()
		files := mkWheelFilesWith(testWHEEL, "Metadata-Version: 2.1\nName: distro\nVersion: 1.8.0\n")
		report := runCheck(t, "distro-1.8.0-py3-none-any.whl", mkZipBytes(t, files))
		assert.Empty(t, report.Errors)
		assert.Equal(t, []string{"metadata: no long description"}, report.Warnings)
	})

	t.Run("rst-description", func(t *testing.T) {
		t.Parallel()
		md := strings.Replace(testMETADATA, "text/markdown", "text/x-rst", 1)
		files := mkWheelFilesWith(testWHEEL, md)
		report := runCheck(t, "distro-1.8.0-py3-none-any.whl", mkZipBytes(t, files))
		assert.Empty(t, report.Errors)
		assert.Contains(t, joined(report.Warnings), "cannot be validated locally")
	})

	t.Run("no-content-type", func(t *testing.T) {
		t.Parallel()
		md := strings.Replace(testMETADATA, "Description-Content-Type: text/markdown\n", "", 1)
		files := mkWheelFilesWith(testWHEEL, md)
		report := runCheck(t, "distro-1.8.0-py3-none-any.whl", mkZipBytes(t, files))
		assert.Empty(t, report.Errors)
		assert.Contains(t, joined(report.Warnings), "index servers will assume reStructuredText")
	})

	t.Run("tag-mismatch", func(t *testing.T) {
		t.Parallel()
		files := mkWheelFilesWith("Wheel-Version: 1.0\nTag: py2-none-any\n", testMETADATA)
		report := runCheck(t, "distro-1.8.0-py3-none-any.whl", mkZipBytes(t, files))
		assert.Contains(t, joined(report.Warnings),
			`filename tag "py3-none-any" is not listed in WHEEL's Tag entries`)
	})

	t.Run("no-dist-info", func(t *testing.T) {
		t.Parallel()
		report := runCheck(t, "distro-1.8.0-py3-none-any.whl", mkZipBytes(t, map[string]string{
			"distro/__init__.py": "",
		}))
		assert.Equal(t, []string{".dist-info directory not found"}, report.Errors)
	})

	t.Run("dist-info-mismatch", func(t *testing.T) {
		t.Parallel()
		files := map[string]string{
			"distro/__init__.py":             "__version__ = '1.8.0'\n",
			"other-1.8.0.dist-info/WHEEL":    testWHEEL,
			"other-1.8.0.dist-info/METADATA": testMETADATA,
		}
		record := ""
		for _, name := range []string{
			"distro/__init__.py",
			"other-1.8.0.dist-info/WHEEL",
			"other-1.8.0.dist-info/METADATA",
		} {
			record += recordLine(name, files[name]) + "\n"
		}
		record += "other-1.8.0.dist-info/RECORD,,\n"
		files["other-1.8.0.dist-info/RECORD"] = record

		report := runCheck(t, "distro-1.8.0-py3-none-any.whl", mkZipBytes(t, files))
		assert.Equal(t, []string{
			`.dist-info directory "other-1.8.0.dist-info" does not match distribution name "distro"`,
		}, report.Errors)
	})

	t.Run("not-a-zip", func(t *testing.T) {
		t.Parallel()
		report := runCheck(t, "distro-1.8.0-py3-none-any.whl", []byte("junk"))
		assert.Contains(t, joined(report.Errors), "open wheel")
	})

	t.Run("unsupported-format", func(t *testing.T) {
		t.Parallel()
		report := runCheck(t, "distro-1.8.0.zip", []byte("junk"))
		assert.Equal(t, []string{`unsupported distribution format: "distro-1.8.0.zip"`}, report.Errors)
	})

	t.Run("missing-file", func(t *testing.T) {
		t.Parallel()
		ctx := dlog.NewTestContext(t, true)
		_, err := (&dist.Checker{}).Check(ctx, filepath.Join(t.TempDir(), "nope.whl"))
		assert.Error(t, err)
	})
}

const testPKGINFOMarkdown = `Metadata-Version: 2.1
Name: proj
Version: 1.0
Summary: Example project
Description-Content-Type: text/markdown

# proj

A *markdown* description.
`

func TestCheckSdist(t *testing.T) {
	t.Parallel()

	t.Run("clean", func(t *testing.T) {
		t.Parallel()
		archive := mkTarGz(t, map[string]string{
			"proj-1.0/PKG-INFO": testPKGINFOMarkdown,
			"proj-1.0/setup.py": "from setuptools import setup\nsetup()\n",
		})
		report := runCheck(t, "proj-1.0.tar.gz", archive)
		assert.Empty(t, report.Errors)
		assert.Empty(t, report.Warnings)
	})

	t.Run("topdir-mismatch", func(t *testing.T) {
		t.Parallel()
		archive := mkTarGz(t, map[string]string{
			"wrong-1.0/PKG-INFO": testPKGINFOMarkdown,
		})
		report := runCheck(t, "proj-1.0.tar.gz", archive)
		assert.Contains(t, joined(report.Errors),
			`top-level directory "wrong-1.0" does not match filename "proj-1.0.tar.gz"`)
	})

	t.Run("no-pkg-info", func(t *testing.T) {
		t.Parallel()
		archive := mkTarGz(t, map[string]string{
			"proj-1.0/setup.py": "from setuptools import setup\nsetup()\n",
		})
		report := runCheck(t, "proj-1.0.tar.gz", archive)
		assert.Contains(t, joined(report.Errors), "PKG-INFO")
	})
}

func TestCheckCollision(t *testing.T) {
	t.Parallel()

	archive := mkTarGz(t, map[string]string{
		"proj-1.0/PKG-INFO": testPKGINFOMarkdown,
	})
	localHash := sha256.Sum256(archive)
	otherHash := sha256.Sum256([]byte("other contents"))

	type testcase struct {
		PageHTML string // "" means the project 404s
		WantErrs []string
	}
	testcases := map[string]testcase{
		"same-contents": {
			PageHTML: fmt.Sprintf(`<a href="/files/proj-1.0.tar.gz#sha256=%x">proj-1.0.tar.gz</a>`, localHash),
			WantErrs: []string{"index already has proj-1.0.tar.gz (same contents)"},
		},
		"different-contents": {
			PageHTML: fmt.Sprintf(`<a href="/files/proj-1.0.tar.gz#sha256=%x">proj-1.0.tar.gz</a>`, otherHash),
			WantErrs: []string{"index already has proj-1.0.tar.gz (different contents)"},
		},
		"no-hash": {
			PageHTML: `<a href="/files/proj-1.0.tar.gz">proj-1.0.tar.gz</a>`,
			WantErrs: []string{"index already has proj-1.0.tar.gz"},
		},
		"other-files-only": {
			PageHTML: `<a href="/files/proj-0.9.tar.gz">proj-0.9.tar.gz</a>`,
		},
		"not-on-index": {},
	}
	for tcName, tcData := range testcases {
		tcData := tcData
		t.Run(tcName, func(t *testing.T) {
			t.Parallel()
			ctx := dlog.NewTestContext(t, true)

			mux := http.NewServeMux()
			if tcData.PageHTML != "" {
				mux.HandleFunc("/simple/proj/", func(w http.ResponseWriter, _ *http.Request) {
					fmt.Fprintf(w, "<html><body>%s</body></html>", tcData.PageHTML)
				})
			}
			server := httptest.NewServer(mux)
			t.Cleanup(server.Close)

			path := filepath.Join(t.TempDir(), "proj-1.0.tar.gz")
			require.NoError(t, os.WriteFile(path, archive, 0o666))

			checker := &dist.Checker{
				Index: &pep503.Client{BaseURL: server.URL + "/simple/"},
			}
			report, err := checker.Check(ctx, path)
			require.NoError(t, err)
			if len(tcData.WantErrs) == 0 {
				assert.Empty(t, report.Errors)
			} else {
				assert.Equal(t, tcData.WantErrs, report.Errors)
			}
			assert.Empty(t, report.Warnings)
		})
	}
}
