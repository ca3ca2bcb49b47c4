package hashing

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	ignore "github.com/sabhiram/go-gitignore"
)

const (
	auditIgnoreFileNameConstant = ".auditignore"
	treeEntryTemplateConstant   = "%s:%s\n"
)

// IgnoreMatcher reports whether a relative path is excluded from hashing and
// checking. *ignore.GitIgnore satisfies it.
type IgnoreMatcher interface {
	MatchesPath(path string) bool
}

// LoadIgnoreMatcher compiles the .auditignore file under root when present.
// A missing file yields a nil matcher, which excludes nothing.
func LoadIgnoreMatcher(root string) IgnoreMatcher {
	ignoreFilePath := filepath.Join(root, auditIgnoreFileNameConstant)
	if _, statError := os.Stat(ignoreFilePath); statError != nil {
		return nil
	}

	matcher, compileError := ignore.CompileIgnoreFile(ignoreFilePath)
	if compileError != nil {
		return nil
	}
	return matcher
}

// HashFile returns the SHA-256 hex digest of a file's content.
func HashFile(filePath string) (string, error) {
	fileHandle, openError := os.Open(filePath)
	if openError != nil {
		return "", openError
	}
	defer fileHandle.Close()

	digest := sha256.New()
	if _, copyError := io.Copy(digest, fileHandle); copyError != nil {
		return "", copyError
	}
	return hex.EncodeToString(digest.Sum(nil)), nil
}

// HashBytes returns the SHA-256 hex digest of raw content.
func HashBytes(content []byte) string {
	digest := sha256.Sum256(content)
	return hex.EncodeToString(digest[:])
}

// HashTree computes a deterministic digest over every regular file under
// root, visiting files in sorted relative-path order so the digest is stable
// across platforms and walk orders. Paths matched by the ignore matcher are
// excluded.
func HashTree(root string, matcher IgnoreMatcher) (string, error) {
	relativePaths, listError := ListFiles(root, matcher)
	if listError != nil {
		return "", listError
	}

	digest := sha256.New()
	for _, relativePath := range relativePaths {
		fileDigest, hashError := HashFile(filepath.Join(root, relativePath))
		if hashError != nil {
			return "", hashError
		}
		fmt.Fprintf(digest, treeEntryTemplateConstant, filepath.ToSlash(relativePath), fileDigest)
	}

	return hex.EncodeToString(digest.Sum(nil)), nil
}

// ListFiles returns the sorted relative paths of every regular file under
// root, excluding ignore-matched paths.
func ListFiles(root string, matcher IgnoreMatcher) ([]string, error) {
	var relativePaths []string

	walkError := filepath.WalkDir(root, func(path string, directoryEntry fs.DirEntry, visitError error) error {
		if visitError != nil {
			return visitError
		}
		if directoryEntry.IsDir() {
			return nil
		}
		if !directoryEntry.Type().IsRegular() {
			return nil
		}

		relativePath, relativeError := filepath.Rel(root, path)
		if relativeError != nil {
			return relativeError
		}
		if matcher != nil && matcher.MatchesPath(filepath.ToSlash(relativePath)) {
			return nil
		}

		relativePaths = append(relativePaths, relativePath)
		return nil
	})
	if walkError != nil {
		return nil, walkError
	}

	sort.Strings(relativePaths)
	return relativePaths, nil
}
