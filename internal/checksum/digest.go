package checksum

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
)

// ChunkSize is the read size used when streaming a file through a hash.
const ChunkSize = 256 * 1024

// Algorithm names a content hash family.
type Algorithm string

const (
	SHA256 Algorithm = "sha256"
	MD5    Algorithm = "md5"
	SHA1   Algorithm = "sha1"
	SHA512 Algorithm = "sha512"
)

// New returns a fresh hash for the algorithm.
func (a Algorithm) New() (hash.Hash, error) {
	switch a {
	case SHA256:
		return sha256.New(), nil
	case MD5:
		return md5.New(), nil
	case SHA1:
		return sha1.New(), nil
	case SHA512:
		return sha512.New(), nil
	}

	return nil, fmt.Errorf("unsupported hash algorithm %q", a)
}

// Label is the display form used in verification reasons, e.g. "MD5".
func (a Algorithm) Label() string {
	switch a {
	case SHA256:
		return "SHA256"
	case MD5:
		return "MD5"
	case SHA1:
		return "SHA1"
	case SHA512:
		return "SHA512"
	}

	return string(a)
}

// AlgorithmForLength maps the length of a hex digest to the hash family
// that produces it. Servers commonly put an MD5 (32) or SHA-1 (40) hex
// digest in the ETag.
func AlgorithmForLength(hexLen int) (Algorithm, bool) {
	switch hexLen {
	case 32:
		return MD5, true
	case 40:
		return SHA1, true
	case 64:
		return SHA256, true
	case 128:
		return SHA512, true
	}

	return "", false
}

// Digest streams the file at path through alg and returns the lowercase
// hex digest.
func Digest(path string, alg Algorithm) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	return DigestReader(f, alg)
}

// DigestReader hashes r in ChunkSize reads.
func DigestReader(r io.Reader, alg Algorithm) (string, error) {
	h, err := alg.New()
	if err != nil {
		return "", err
	}

	buf := make([]byte, ChunkSize)

	for {
		n, err := r.Read(buf)
		h.Write(buf[:n])

		if err == io.EOF {
			break
		}

		if err != nil {
			return "", fmt.Errorf("hashing content: %w", err)
		}
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}
