// Copyright (C) 2023  Ambassador Labs
//
// SPDX-License-Identifier: Apache-2.0

// Package pep503 implements a client for the PEP 503 simple repository API, with
// the PEP 629 repository version declaration and PEP 592 yank metadata layered on
// top.
//
// https://peps.python.org/pep-0503/
package pep503

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"regexp"
	"strconv"
	"strings"

	"github.com/datawire/dlib/dlog"
	"golang.org/x/net/html"

	"github.com/datawire/wheelwright/pkg/python"
	"github.com/datawire/wheelwright/pkg/python/pep440"
)

var reNameSeparators = regexp.MustCompile(`[-_.]+`)

// NormalizeName normalizes a project name for comparison and for use in simple-API
// URLs: runs of "-", "_", and "." collapse to a single "-", and the result is
// lowercased.
func NormalizeName(name string) string {
	return strings.ToLower(reNameSeparators.ReplaceAllLiteralString(name, "-"))
}

// Client talks to a PEP 503 "simple" package index.  The zero value talks to PyPI.
type Client struct {
	// BaseURL is the root of the simple API; it defaults to PyPIBaseURL.
	BaseURL    string
	HTTPClient *http.Client
	UserAgent  string
}

const PyPIBaseURL = "https://pypi.org/simple/"

func (c *Client) fillDefaults() {
	if c.BaseURL == "" {
		c.BaseURL = PyPIBaseURL
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
	if c.UserAgent == "" {
		c.UserAgent = "github.com/datawire/wheelwright/pkg/python/pep503"
	}
}

type HTTPError struct {
	Status     string
	StatusCode int
}

func (e *HTTPError) Error() string {
	return "HTTP " + e.Status
}

// get performs a GET, validating the response body against any checksum in the URL's
// fragment ("#sha256=..."), as the simple API carries on file links.  The returned
// URL is the final post-redirect location, for resolving relative references.
func (c Client) get(ctx context.Context, requestURL string) (_ *url.URL, _ []byte, err error) {
	defer func() {
		if err != nil {
			err = fmt.Errorf("GET %q: %w", requestURL, err)
		}
	}()
	c.fillDefaults()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("User-Agent", c.UserAgent)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, nil, err
	}
	content, err := io.ReadAll(resp.Body)
	if err != nil {
		_ = resp.Body.Close()
		return nil, nil, err
	}
	if err := resp.Body.Close(); err != nil {
		return nil, nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, nil, &HTTPError{Status: resp.Status, StatusCode: resp.StatusCode}
	}

	if err := validateFragmentChecksums(requestURL, content); err != nil {
		return nil, nil, err
	}

	return resp.Request.URL, content, nil
}

func validateFragmentChecksums(requestURL string, content []byte) error {
	u, err := url.Parse(requestURL)
	if err != nil || u.Fragment == "" {
		return nil //nolint:nilerr // nothing to validate against
	}
	keyvals, err := url.ParseQuery(u.Fragment)
	if err != nil {
		return nil //nolint:nilerr // not a checksum fragment
	}
	for algo, vals := range keyvals {
		newHash, ok := python.Hashers[algo]
		if !ok {
			continue
		}
		hasher := newHash()
		_, _ = hasher.Write(content)
		actual := hex.EncodeToString(hasher.Sum(nil))
		for _, expected := range vals {
			if !strings.EqualFold(actual, expected) {
				return fmt.Errorf("%s checksum mismatch: expected=%s actual=%s",
					algo, expected, actual)
			}
		}
	}
	return nil
}

// visitHTML calls visit on node and then on each of its descendants, in document
// order.
func visitHTML(node *html.Node, visit func(*html.Node) error) error {
	if err := visit(node); err != nil {
		return err
	}
	for child := node.FirstChild; child != nil; child = child.NextSibling {
		if err := visitHTML(child, visit); err != nil {
			return err
		}
	}
	return nil
}

func getAttr(node *html.Node, name string) (string, bool) {
	for _, attr := range node.Attr {
		if attr.Namespace == "" && attr.Key == name {
			return attr.Val, true
		}
	}
	return "", false
}

// supportedRepoVersion is the newest PEP 629 repository API version this client
// understands.
//
//nolint:gochecknoglobals // Would be 'const'.
var supportedRepoVersion = pep440.MustParseVersion("1.0")

// checkRepositoryVersion enforces the <meta name="pypi:repository-version">
// declaration: an incompatible major version is an error, a newer minor version just
// a warning.  A page with no declaration is taken as version 1.0.
func checkRepositoryVersion(ctx context.Context, doc *html.Node) error {
	verStr := "1.0"
	_ = visitHTML(doc, func(node *html.Node) error {
		if node.Type != html.ElementNode || node.Data != "meta" {
			return nil
		}
		if name, _ := getAttr(node, "name"); name != "pypi:repository-version" {
			return nil
		}
		if content, ok := getAttr(node, "content"); ok {
			verStr = content
		}
		return nil
	})
	version, err := pep440.ParseVersion(verStr)
	if err != nil {
		return fmt.Errorf("pypi:repository-version: %w", err)
	}
	if version.Major() > supportedRepoVersion.Major() {
		return fmt.Errorf("repository version %s is not compatible with this client", version)
	}
	if version.Minor() > supportedRepoVersion.Minor() {
		dlog.Warnf(ctx, "repository version %s is newer than this client", version)
	}
	return nil
}

// A FileLink is one anchor from a project's simple-API page.
type FileLink struct {
	client Client

	// Filename is the anchor text; per PEP 503 this is the filename of the
	// distribution the link serves.
	Filename string
	// URL is the anchor's href resolved to an absolute URL, fragment included.
	URL string
	// DataAttrs holds the anchor's data-* attributes.
	DataAttrs map[string]string
}

// Hashes returns the checksums advertised in the link's URL fragment, keyed by
// algorithm name ("sha256" -> hex digest).
func (l FileLink) Hashes() map[string]string {
	u, err := url.Parse(l.URL)
	if err != nil || u.Fragment == "" {
		return nil
	}
	keyvals, err := url.ParseQuery(u.Fragment)
	if err != nil {
		return nil
	}
	ret := make(map[string]string, len(keyvals))
	for algo, vals := range keyvals {
		if _, known := python.Hashers[algo]; known && len(vals) > 0 {
			ret[algo] = vals[0]
		}
	}
	if len(ret) == 0 {
		return nil
	}
	return ret
}

// RequiresPython returns the file's data-requires-python declaration, or "" if it
// has none.
func (l FileLink) RequiresPython() string {
	return l.DataAttrs["data-requires-python"]
}

// Yanked reports whether the file has been yanked, and the stated reason if any.
func (l FileLink) Yanked() (bool, string) {
	reason, yanked := l.DataAttrs["data-yanked"]
	return yanked, reason
}

// Get downloads the file, validating it against the checksums in the link's URL
// fragment.
func (l FileLink) Get(ctx context.Context) ([]byte, error) {
	_, content, err := l.client.get(ctx, l.URL)
	return content, err
}

// ListProjectFiles fetches the simple-API page for a project and returns its file
// links.  A 404 comes back as an *HTTPError; callers may treat that as "project not
// yet registered".
func (c Client) ListProjectFiles(ctx context.Context, project string) ([]FileLink, error) {
	// "the only valid characters in a name are the ASCII alphabet, ASCII
	// numbers, `.`, `-`, and `_`."
	for _, char := range project {
		if !(('a' <= char && char <= 'z') ||
			('A' <= char && char <= 'Z') ||
			('0' <= char && char <= '9') ||
			char == '.' ||
			char == '-' ||
			char == '_') {
			return nil, fmt.Errorf("pep503: illegal character in project name %q: %s",
				project, strconv.QuoteRuneToASCII(char))
		}
	}

	c.fillDefaults()
	base, err := url.Parse(c.BaseURL)
	if err != nil {
		return nil, err
	}
	pageURL := *base
	pageURL.Path = path.Join(pageURL.Path, NormalizeName(project)) + "/"

	location, content, err := c.get(ctx, pageURL.String())
	if err != nil {
		return nil, err
	}
	doc, err := html.Parse(bytes.NewReader(content))
	if err != nil {
		return nil, err
	}
	if err := checkRepositoryVersion(ctx, doc); err != nil {
		return nil, err
	}

	var links []FileLink
	err = visitHTML(doc, func(node *html.Node) error {
		if node.Type != html.ElementNode || node.Data != "a" {
			return nil
		}
		link := FileLink{
			client:    c,
			DataAttrs: make(map[string]string),
		}
		for _, attr := range node.Attr {
			switch {
			case attr.Namespace == "" && attr.Key == "href":
				href, err := location.Parse(attr.Val)
				if err != nil {
					return err
				}
				link.URL = href.String()
			case attr.Namespace == "" && strings.HasPrefix(attr.Key, "data-"):
				link.DataAttrs[attr.Key] = attr.Val
			}
		}
		var text strings.Builder
		_ = visitHTML(node, func(child *html.Node) error {
			if child.Type == html.TextNode {
				text.WriteString(child.Data)
			}
			return nil
		})
		link.Filename = strings.TrimSpace(text.String())
		links = append(links, link)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return links, nil
}
