package download

import (
	"crypto/sha1"
	"encoding/hex"
	"net/url"
	"path"
	"path/filepath"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/yangwenmai/repoharvest/internal/model"
)

// maxNameLen bounds a sanitized file name, extension included.
const maxNameLen = 120

// Path returns the deterministic target path for a resource:
// <base>/<type>/<item_id>/<sanitized_filename>.
func Path(base, itemID string, ft model.FileType, rawURL string) string {
	return filepath.Join(base, string(ft), itemID, Filename(rawURL, ft))
}

// Filename derives a filesystem-safe name from the last path segment of
// rawURL followed by a short hash of the whole URL, so two URLs ending in
// the same segment never share a file. Diacritics are folded and anything
// outside [A-Za-z0-9._-] becomes an underscore. The hash alone stands in
// when nothing usable remains.
func Filename(rawURL string, ft model.FileType) string {
	var segment string
	if u, err := url.Parse(rawURL); err == nil {
		segment = path.Base(u.Path)
	}
	if segment == "." || segment == "/" {
		segment = ""
	}

	name := sanitize(segment)
	ext := ft.Extension()
	if ext == "" {
		ext = path.Ext(name)
	}
	stem := name
	if ext != "" && strings.HasSuffix(strings.ToLower(name), strings.ToLower(ext)) {
		stem = strings.TrimRight(name[:len(name)-len(ext)], "._")
	}
	sum := shortHash(rawURL)
	if stem == "" || len(stem)+len(ext)+9 > maxNameLen {
		return "file_" + sum + ext
	}
	return stem + "_" + sum[:8] + ext
}

func sanitize(s string) string {
	folded, _, err := transform.String(transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC), s)
	if err != nil {
		folded = s
	}
	var b strings.Builder
	for _, r := range folded {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return strings.Trim(b.String(), "._")
}

func shortHash(s string) string {
	sum := sha1.Sum([]byte(s))
	return hex.EncodeToString(sum[:])[:12]
}
