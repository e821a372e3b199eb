package imagestore

import (
	"log/slog"
	"strings"
)

// NewSource picks a Source for origin: http(s) URLs download into
// cacheDir, anything else is treated as a local directory.
func NewSource(origin, cacheDir string, logger *slog.Logger) (Source, error) {
	if strings.HasPrefix(origin, "http://") || strings.HasPrefix(origin, "https://") {
		return NewHTTPSource(origin, cacheDir, logger)
	}
	return &FileSource{Root: strings.TrimPrefix(origin, "file://")}, nil
}
