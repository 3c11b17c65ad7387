package dataset

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

const (
	userTagLength    = 6
	defaultTableBase = "data"
)

// FileFormat is the loader family chosen from a file extension.
type FileFormat string

const (
	FormatCSV   FileFormat = "csv"
	FormatExcel FileFormat = "excel"
)

var supportedExtensions = map[string]FileFormat{
	".csv":  FormatCSV,
	".xlsx": FormatExcel,
	".xls":  FormatExcel,
}

var mimeTypes = map[string]string{
	".csv":  "text/csv",
	".xlsx": "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	".xls":  "application/vnd.ms-excel",
}

var (
	nonAlnumRun       = regexp.MustCompile(`[^A-Za-z0-9]+`)
	storedNameUnsafe  = regexp.MustCompile(`[^A-Za-z0-9._-]`)
	storedNamePattern = regexp.MustCompile(`^\d+_(.+)$`)
)

// FormatForName returns the loader family for name's extension
// (case-insensitive). ok is false for anything outside the allow-list.
func FormatForName(name string) (FileFormat, bool) {
	f, ok := supportedExtensions[strings.ToLower(filepath.Ext(name))]
	return f, ok
}

// MimeTypeForExt maps a file name to its stored MIME type.
func MimeTypeForExt(name string) string {
	if m, ok := mimeTypes[strings.ToLower(filepath.Ext(name))]; ok {
		return m
	}
	return "application/octet-stream"
}

// UserTag returns the short user-derived prefix used in table names: the
// first six hex digits of sha256(userID), not a slice of the id itself.
func UserTag(userID string) string {
	sum := sha256.Sum256([]byte(userID))
	return hex.EncodeToString(sum[:])[:userTagLength]
}

// DeriveTableName maps an original file name and owner to the analytical
// table name. It is pure: same inputs, same output, always matching
// ^u[0-9a-f]{6}_[a-z0-9_]+$.
func DeriveTableName(originalName, userID string) string {
	base := filepath.Base(strings.ReplaceAll(originalName, `\`, "/"))
	base = strings.TrimSuffix(base, filepath.Ext(base))
	base = nonAlnumRun.ReplaceAllString(base, "_")
	base = strings.Trim(strings.ToLower(base), "_")
	if base == "" {
		base = defaultTableBase
	}
	return "u" + UserTag(userID) + "_" + base
}

// StoredName builds the on-disk file name: upload time in unix millis, an
// underscore, then the sanitized lowercase original name.
func StoredName(now time.Time, originalName string) string {
	name := filepath.Base(strings.ReplaceAll(originalName, `\`, "/"))
	name = strings.ToLower(storedNameUnsafe.ReplaceAllString(name, "_"))
	return fmt.Sprintf("%d_%s", now.UnixMilli(), name)
}

// ExtractOriginalName recovers a display name from a stored name. Names not
// produced by StoredName are returned unchanged.
func ExtractOriginalName(storedName string) string {
	if m := storedNamePattern.FindStringSubmatch(storedName); m != nil {
		return m[1]
	}
	return storedName
}
