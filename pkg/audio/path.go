package audio

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Container extensions.
const (
	ExtWAV = ".wav"
	ExtMP3 = ".mp3"
)

// knownExts are the audio container extensions that EnsureExt replaces rather
// than appends to.
var knownExts = map[string]bool{
	".wav":  true,
	".mp3":  true,
	".ogg":  true,
	".flac": true,
	".opus": true,
	".m4a":  true,
	".raw":  true,
	".pcm":  true,
}

// EnsureExt returns path with extension ext. A path already ending in ext
// (case-insensitive) is returned unchanged, a known audio extension is
// replaced, and anything else gets ext appended.
func EnsureExt(path, ext string) string {
	cur := filepath.Ext(path)
	switch {
	case strings.EqualFold(cur, ext):
		return path
	case knownExts[strings.ToLower(cur)]:
		return strings.TrimSuffix(path, cur) + ext
	default:
		return path + ext
	}
}

// PrepareOutput corrects the extension of path and creates its parent
// directory. It returns the path the caller must write to.
func PrepareOutput(path, ext string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("audio: output path must not be empty")
	}
	path = EnsureExt(path, ext)
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("audio: create output directory %s: %w", dir, err)
		}
	}
	return path, nil
}

// NonEmptyFile returns the size of the regular file at path, or an error if
// it is missing, not a regular file, or zero bytes long.
func NonEmptyFile(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	if !info.Mode().IsRegular() {
		return 0, fmt.Errorf("%s is not a regular file", path)
	}
	if info.Size() == 0 {
		return 0, fmt.Errorf("%s is empty", path)
	}
	return info.Size(), nil
}
