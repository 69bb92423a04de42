package upload

import (
	"path/filepath"
	"regexp"
	"strings"
)

const maxFilenameLength = 200

var unsafeChars = regexp.MustCompile(`[<>:"|?*\\/\s]+`)

// SanitizeFilename reduces a client supplied file name to a safe base name
// for use on disk.
func SanitizeFilename(filename string) string {
	// Clients may send full paths.
	filename = filepath.Base(strings.ReplaceAll(filename, `\`, "/"))

	safe := strings.Map(func(r rune) rune {
		if r < 32 || r == 127 {
			return '_'
		}
		return r
	}, filename)
	safe = unsafeChars.ReplaceAllString(safe, "_")
	safe = strings.Trim(safe, " ._")

	if len(safe) > maxFilenameLength {
		ext := filepath.Ext(safe)
		if len(ext) > 16 {
			ext = ""
		}
		safe = strings.ToValidUTF8(safe[:maxFilenameLength-len(ext)], "") + ext
	}

	if safe == "" {
		return "unnamed"
	}
	return safe
}
