package fsutil

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// DefaultName replaces names that sanitize to nothing.
const DefaultName = "video"

var (
	forbiddenChars = regexp.MustCompile(`[<>:"/\\|?*\x00-\x1f]`)
	whitespace     = regexp.MustCompile(`\s+`)

	replacer = strings.NewReplacer(
		"&", "and",
		"#", "num",
		"@", "at",
		"!", "",
		"%", "pct",
	)
)

// Sanitize makes name safe as a single path component on Windows and Linux
// and truncates it to maxLength bytes.
func Sanitize(name string, maxLength int) string {
	if name == "" {
		return DefaultName
	}

	name = forbiddenChars.ReplaceAllString(name, "")
	name = replacer.Replace(name)
	name = whitespace.ReplaceAllString(name, " ")
	name = strings.Trim(name, " .")

	if maxLength > 0 && len(name) > maxLength {
		name = truncate(name, maxLength)
		name = strings.Trim(name, " .")
	}
	if name == "" {
		return DefaultName
	}
	return name
}

// truncate cuts at a rune boundary at or below n bytes.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !isRuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func isRuneStart(b byte) bool {
	return b&0xC0 != 0x80
}

// IsWritableDir reports whether dir exists and a file can be created in it.
func IsWritableDir(dir string) bool {
	if dir == "" {
		return false
	}
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return false
	}
	f, err := os.CreateTemp(dir, ".write-check-*")
	if err != nil {
		return false
	}
	name := f.Name()
	_ = f.Close()
	_ = os.Remove(name)
	return true
}

// ReplaceExt swaps the extension of path.
func ReplaceExt(path, ext string) string {
	return strings.TrimSuffix(path, filepath.Ext(path)) + ext
}
