package capsule

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"strings"
	"unicode/utf8"

	"capsmith/internal/faults"
)

// Canonicalize normalizes every file in place: LF line endings, trailing
// whitespace stripped from each line, content valid UTF-8 and newline
// terminated. Must run before signing so the signature is reproducible.
func Canonicalize(c *Capsule) error {
	for _, set := range []map[string][]byte{c.Files, c.Tests} {
		for path, content := range set {
			norm, err := canonicalContent(path, content)
			if err != nil {
				return err
			}
			set[path] = norm
		}
	}
	return nil
}

func canonicalContent(path string, content []byte) ([]byte, error) {
	if !utf8.Valid(content) {
		return nil, faults.Newf(faults.Corruption, "capsule.canonicalize", "file %s is not valid UTF-8", path)
	}
	s := strings.ReplaceAll(string(content), "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t")
	}
	out := strings.Join(lines, "\n")
	out = strings.TrimRight(out, "\n")
	if out != "" {
		out += "\n"
	}
	return []byte(out), nil
}

// CanonicalBytes derives the signing input: for every file (sources and
// tests together) in lexicographic path order, a length-prefixed record
// "path|hex(sha256(content))". The length prefix is a big-endian uint32,
// which makes the encoding injective regardless of path contents.
func CanonicalBytes(c *Capsule) []byte {
	merged := make(map[string][]byte, len(c.Files)+len(c.Tests))
	for p, b := range c.Files {
		merged[p] = b
	}
	for p, b := range c.Tests {
		merged[p] = b
	}

	var buf bytes.Buffer
	for _, p := range sortedPaths(merged) {
		sum := sha256.Sum256(merged[p])
		rec := p + "|" + hex.EncodeToString(sum[:])
		var n [4]byte
		binary.BigEndian.PutUint32(n[:], uint32(len(rec)))
		buf.Write(n[:])
		buf.WriteString(rec)
	}
	return buf.Bytes()
}

// Sign computes HMAC-SHA256 over the canonical bytes.
func Sign(secret, canonical []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(canonical)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a signature in constant time.
func Verify(secret, canonical []byte, signature string) bool {
	want, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(canonical)
	return hmac.Equal(mac.Sum(nil), want)
}
