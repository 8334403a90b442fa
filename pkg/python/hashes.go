// Copyright (C) 2023  Ambassador Labs
//
// SPDX-License-Identifier: Apache-2.0

package python

import (
	"crypto/md5"  //nolint:gosec // index checksums, not crypto
	"crypto/sha1" //nolint:gosec // index checksums, not crypto
	"crypto/sha256"
	"crypto/sha512"
	"hash"
)

// Hashers is Python `hashlib.algorithms_guaranteed`, as far as the Go standard
// library can provide them.
//
//nolint:gochecknoglobals // Would be 'const'.
var Hashers = map[string]func() hash.Hash{
	"md5":    md5.New,
	"sha1":   sha1.New,
	"sha224": sha256.New224,
	"sha256": sha256.New,
	"sha384": sha512.New384,
	"sha512": sha512.New,
}

// RecordHashers is the subset of Hashers permitted in a wheel's RECORD file; the
// wheel spec requires sha256 or better and forbids md5 and sha1.
//
//nolint:gochecknoglobals // Would be 'const'.
var RecordHashers = map[string]func() hash.Hash{
	"sha256": sha256.New,
	"sha384": sha512.New384,
	"sha512": sha512.New,
}
