// Package checksum negotiates and formats RFC 3230 instance digests.
package checksum

import (
	"crypto/md5"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"hash/adler32"
	"io"
	"slices"
	"strconv"
	"strings"
)

type Type string

const (
	ADLER32 Type = "adler32"
	MD5     Type = "md5"
	SHA256  Type = "sha-256"
	SHA512  Type = "sha-512"
)

// Types lists supported algorithms, preferred first.
var Types = []Type{ADLER32, MD5, SHA256, SHA512}

var ErrUnsupported = errors.New("unsupported checksum type")

func ParseType(s string) (Type, error) {
	t := Type(strings.ToLower(strings.TrimSpace(s)))
	if !slices.Contains(Types, t) {
		return "", fmt.Errorf("%w: %q", ErrUnsupported, s)
	}
	return t, nil
}

func (t Type) New() hash.Hash {
	switch t {
	case ADLER32:
		return adler32.New()
	case MD5:
		return md5.New()
	case SHA256:
		return sha256.New()
	case SHA512:
		return sha512.New()
	}
	return nil
}

// Compute returns the hex encoded digest of r.
func Compute(r io.Reader, t Type) (string, error) {
	h := t.New()
	if h == nil {
		return "", fmt.Errorf("%w: %q", ErrUnsupported, t)
	}
	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// ParseWantDigest picks the supported algorithm with the highest q-value
// from a Want-Digest header. Ties keep header order; q=0 excludes an
// algorithm.
func ParseWantDigest(header string) (Type, bool) {
	var (
		best  Type
		bestQ = 0.0
	)
	for item := range strings.SplitSeq(header, ",") {
		name, params, _ := strings.Cut(item, ";")
		t, err := ParseType(name)
		if err != nil {
			continue
		}
		q := 1.0
		if k, v, ok := strings.Cut(strings.TrimSpace(params), "="); ok && strings.TrimSpace(k) == "q" {
			parsed, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
			if err != nil || parsed < 0 || parsed > 1 {
				continue
			}
			q = parsed
		}
		if q > bestQ {
			best, bestQ = t, q
		}
	}
	return best, best != ""
}

// DigestHeader formats a hex digest as a Digest header value. adler32 is
// sent as hex, the others as base64.
func DigestHeader(t Type, hexValue string) (string, error) {
	if t == ADLER32 {
		return string(t) + "=" + strings.ToLower(hexValue), nil
	}
	raw, err := hex.DecodeString(hexValue)
	if err != nil {
		return "", fmt.Errorf("decoding %s value: %w", t, err)
	}
	return string(t) + "=" + base64.StdEncoding.EncodeToString(raw), nil
}
