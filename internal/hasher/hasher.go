// Package hasher computes the content fingerprint of a sample file with a
// streaming SHA256 and MIME sniffing.
package hasher

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/mtiwari1/peekaboo/internal/sample"
)

// sniffLen is what http.DetectContentType looks at.
const sniffLen = 512

// Fingerprint streams the file through SHA256 and returns its fingerprint.
func Fingerprint(filePath string) (sample.Fingerprint, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return sample.Fingerprint{}, fmt.Errorf("hasher: open file: %w", err)
	}
	defer f.Close()

	h := sha256.New()

	head := make([]byte, sniffLen)
	n, err := io.ReadFull(f, head)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return sample.Fingerprint{}, fmt.Errorf("hasher: read head: %w", err)
	}
	head = head[:n]
	h.Write(head)

	rest, err := io.Copy(h, f)
	if err != nil {
		return sample.Fingerprint{}, fmt.Errorf("hasher: copy: %w", err)
	}

	return sample.Fingerprint{
		SHA256:    hex.EncodeToString(h.Sum(nil)),
		Size:      int64(n) + rest,
		MimeType:  mimeType(head),
		Extension: strings.ToLower(filepath.Ext(filePath)),
	}, nil
}

func mimeType(head []byte) string {
	mt := http.DetectContentType(head)
	if i := strings.IndexByte(mt, ';'); i >= 0 {
		mt = strings.TrimSpace(mt[:i])
	}
	return mt
}
