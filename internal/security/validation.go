package security

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Validation errors
var (
	ErrPathTraversal     = errors.New("security: path traversal detected")
	ErrInvalidPath       = errors.New("security: invalid path")
	ErrInvalidInput      = errors.New("security: invalid input")
	ErrInputTooLong      = errors.New("security: input exceeds maximum length")
	ErrNullByte          = errors.New("security: null byte in input")
	ErrInvalidUTF8       = errors.New("security: invalid UTF-8 encoding")
	ErrControlCharacters = errors.New("security: control characters in input")
)

// PathValidator cleans and checks filesystem paths taken from config.
type PathValidator struct {
	AllowSymlinks bool
	MaxPathLength int
}

// DefaultPathValidator returns a PathValidator with sensible defaults.
func DefaultPathValidator() *PathValidator {
	return &PathValidator{MaxPathLength: 4096}
}

// ValidatePath returns the cleaned absolute form of path. Paths that do
// not exist yet are accepted; their parent's symlinks are resolved.
func (v *PathValidator) ValidatePath(path string) (string, error) {
	if path == "" {
		return "", ErrInvalidPath
	}
	if strings.Contains(path, "\x00") {
		return "", ErrNullByte
	}
	if v.MaxPathLength > 0 && len(path) > v.MaxPathLength {
		return "", fmt.Errorf("%w: length %d exceeds maximum %d", ErrInputTooLong, len(path), v.MaxPathLength)
	}
	if containsTraversal(path) {
		return "", ErrPathTraversal
	}

	absPath, err := filepath.Abs(filepath.Clean(path))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidPath, err)
	}
	if v.AllowSymlinks {
		return absPath, nil
	}

	realPath, err := filepath.EvalSymlinks(absPath)
	if err == nil {
		return realPath, nil
	}
	if !os.IsNotExist(err) {
		return "", fmt.Errorf("%w: symlink evaluation failed: %v", ErrInvalidPath, err)
	}
	parent := filepath.Dir(absPath)
	realParent, err := filepath.EvalSymlinks(parent)
	if err != nil && !os.IsNotExist(err) {
		return "", fmt.Errorf("%w: parent symlink evaluation failed: %v", ErrInvalidPath, err)
	}
	if realParent != "" && realParent != parent {
		absPath = filepath.Join(realParent, filepath.Base(absPath))
	}
	return absPath, nil
}

func containsTraversal(path string) bool {
	for _, part := range strings.Split(filepath.ToSlash(path), "/") {
		if part == ".." {
			return true
		}
	}
	if strings.Contains(strings.ToLower(path), "%2e%2e") {
		return true
	}
	return strings.Contains(path, "..\\") || strings.Contains(path, "\\..")
}

// ValidateFilename checks a bare file name sent by a client, such as the
// name attached to a code snapshot.
func ValidateFilename(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty filename", ErrInvalidInput)
	}
	if len(name) > 255 {
		return fmt.Errorf("%w: filename length %d", ErrInputTooLong, len(name))
	}
	if strings.Contains(name, "\x00") {
		return ErrNullByte
	}
	if strings.ContainsAny(name, "/\\") {
		return fmt.Errorf("%w: filename contains path separator", ErrInvalidInput)
	}
	if strings.ContainsAny(name, `<>:"|?*`) {
		return fmt.Errorf("%w: invalid characters in filename", ErrInvalidInput)
	}
	if name == "." || name == ".." || strings.HasSuffix(name, ".") {
		return fmt.Errorf("%w: filename ends with dot", ErrInvalidInput)
	}
	if strings.TrimSpace(name) != name {
		return fmt.Errorf("%w: filename has leading/trailing spaces", ErrInvalidInput)
	}
	return nil
}

// InputValidator checks free-form client input.
type InputValidator struct {
	MaxLength         int
	AllowControlChars bool
	AllowedPattern    *regexp.Regexp
}

// DefaultInputValidator returns an InputValidator with secure defaults.
func DefaultInputValidator() *InputValidator {
	return &InputValidator{MaxLength: 65536}
}

// Validate checks length, encoding, control characters, and pattern.
// Newlines and tabs are always allowed.
func (v *InputValidator) Validate(input string) error {
	if v.MaxLength > 0 && len(input) > v.MaxLength {
		return fmt.Errorf("%w: length %d exceeds maximum %d", ErrInputTooLong, len(input), v.MaxLength)
	}
	if strings.Contains(input, "\x00") {
		return ErrNullByte
	}
	if !utf8.ValidString(input) {
		return ErrInvalidUTF8
	}
	if !v.AllowControlChars {
		for _, r := range input {
			if unicode.IsControl(r) && r != '\n' && r != '\r' && r != '\t' {
				return ErrControlCharacters
			}
		}
	}
	if v.AllowedPattern != nil && !v.AllowedPattern.MatchString(input) {
		return fmt.Errorf("%w: does not match required pattern", ErrInvalidInput)
	}
	return nil
}

var sensitivePatterns = []struct {
	pattern     *regexp.Regexp
	replacement string
}{
	{regexp.MustCompile(`(?i)("?(?:password|passwd|pwd|token|secret)"?\s*[:=]\s*)"[^"]*"`), `$1"[REDACTED]"`},
	{regexp.MustCompile(`(?i)\b(password|passwd|pwd|token|secret)=\S+`), "$1=[REDACTED]"},
	{regexp.MustCompile(`\$2[aby]\$\d{2}\$[./A-Za-z0-9]{53}`), "[BCRYPT HASH REDACTED]"},
}

// SanitizeLogOutput masks credentials and password hashes in text headed
// for a log line.
func SanitizeLogOutput(input string) string {
	result := input
	for _, sp := range sensitivePatterns {
		result = sp.pattern.ReplaceAllString(result, sp.replacement)
	}
	return result
}
