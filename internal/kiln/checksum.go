package kiln

import (
	"crypto/md5"
	_ "crypto/sha256"
	_ "crypto/sha512"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
	"strings"

	"github.com/opencontainers/go-digest"
	"lukechampine.com/blake3"
)

// Supported checksum algorithms.
const (
	AlgSHA256 = "sha256"
	AlgSHA512 = "sha512"
	AlgBlake3 = "blake3"
	AlgMD5    = "md5"
)

// Checksum is an algorithm plus a lowercase hex digest.
type Checksum struct {
	Algorithm string
	Hex       string
}

// ParseChecksum accepts "algorithm:hex". A bare 64 character hex string is
// taken as sha256 and a bare 32 character one as md5.
func ParseChecksum(s string) (Checksum, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Checksum{}, fmt.Errorf("empty checksum")
	}

	alg, value, ok := strings.Cut(s, ":")
	if !ok {
		value = s
		switch len(s) {
		case 64:
			alg = AlgSHA256
		case 32:
			alg = AlgMD5
		default:
			return Checksum{}, fmt.Errorf("checksum %q has no algorithm prefix", s)
		}
	}

	c := Checksum{Algorithm: strings.ToLower(alg), Hex: strings.ToLower(value)}
	if err := c.validate(); err != nil {
		return Checksum{}, err
	}
	return c, nil
}

func (c Checksum) validate() error {
	switch c.Algorithm {
	case AlgSHA256, AlgSHA512:
		return digest.NewDigestFromEncoded(digest.Algorithm(c.Algorithm), c.Hex).Validate()
	case AlgBlake3:
		return validHex(c.Hex, 64)
	case AlgMD5:
		return validHex(c.Hex, 32)
	}
	return fmt.Errorf("unsupported checksum algorithm %q", c.Algorithm)
}

func validHex(s string, size int) error {
	if len(s) != size {
		return fmt.Errorf("invalid checksum length %d, expected %d", len(s), size)
	}
	if _, err := hex.DecodeString(s); err != nil {
		return fmt.Errorf("invalid checksum %q: %w", s, err)
	}
	return nil
}

func (c Checksum) String() string {
	if c.IsZero() {
		return "-"
	}
	return c.Algorithm + ":" + c.Hex
}

func (c Checksum) IsZero() bool {
	return c.Algorithm == "" && c.Hex == ""
}

// Equal compares algorithm and digest.
func (c Checksum) Equal(o Checksum) bool {
	return c.Algorithm == o.Algorithm && strings.EqualFold(c.Hex, o.Hex)
}

// newHash returns a fresh hasher for the checksum's algorithm.
func (c Checksum) newHash() (hash.Hash, error) {
	return newHash(c.Algorithm)
}

func newHash(alg string) (hash.Hash, error) {
	switch alg {
	case AlgSHA256, AlgSHA512:
		a := digest.Algorithm(alg)
		if !a.Available() {
			return nil, fmt.Errorf("checksum algorithm %s is not available", alg)
		}
		return a.Hash(), nil
	case AlgBlake3:
		return blake3.New(32, nil), nil
	case AlgMD5:
		return md5.New(), nil
	}
	return nil, fmt.Errorf("unsupported checksum algorithm %q", alg)
}

func sumOf(alg string, h hash.Hash) Checksum {
	return Checksum{Algorithm: alg, Hex: hex.EncodeToString(h.Sum(nil))}
}

// ComputeChecksum hashes the file at path with alg.
func ComputeChecksum(path, alg string) (Checksum, error) {
	h, err := newHash(alg)
	if err != nil {
		return Checksum{}, err
	}
	f, err := os.Open(path)
	if err != nil {
		return Checksum{}, err
	}
	defer f.Close()

	if _, err := io.Copy(h, f); err != nil {
		return Checksum{}, fmt.Errorf("failed to hash %s: %w", path, err)
	}
	return sumOf(alg, h), nil
}

// verifyFile reports a ChecksumMismatchError when path does not hash to
// want. url is only used for the error message.
func verifyFile(path, url string, want Checksum) error {
	got, err := ComputeChecksum(path, want.Algorithm)
	if err != nil {
		return err
	}
	if !got.Equal(want) {
		return &ChecksumMismatchError{URL: url, Expected: want, Actual: got}
	}
	return nil
}

// hashString returns the blake3 digest of s. It keys cache entries.
func hashString(s string) string {
	h := blake3.New(32, nil)
	h.Write([]byte(s))
	return fmt.Sprintf("%x", h.Sum(nil))
}
