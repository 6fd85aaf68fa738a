/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: copyfile.go
Description: File copy helpers used to seed instance corpora.
*/

package utils

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// CopyFile copies src to dst, replacing dst if it exists
func CopyFile(src, dst string) (err error) {
	source, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open source file: %w", err)
	}
	defer source.Close()

	info, err := source.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat source file: %w", err)
	}

	destination, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return fmt.Errorf("failed to create destination file: %w", err)
	}
	defer func() {
		if cerr := destination.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("failed to close destination file: %w", cerr)
		}
	}()

	copied, err := io.Copy(destination, source)
	if err != nil {
		return fmt.Errorf("failed to copy file contents: %w", err)
	}
	if copied != info.Size() {
		return fmt.Errorf("incomplete copy: expected %d bytes, got %d bytes", info.Size(), copied)
	}
	return nil
}

// CopyDirFlat copies every regular file directly inside src into dst.
// Symlinks are followed; subdirectories and special files are skipped.
// Returns the number of files copied.
func CopyDirFlat(src, dst string) (int, error) {
	entries, err := os.ReadDir(src)
	if err != nil {
		return 0, fmt.Errorf("failed to read corpus directory: %w", err)
	}
	copied := 0
	for _, entry := range entries {
		path := filepath.Join(src, entry.Name())
		info, err := os.Stat(path)
		if err != nil {
			return copied, fmt.Errorf("failed to stat %s: %w", entry.Name(), err)
		}
		if !info.Mode().IsRegular() {
			continue
		}
		if err := CopyFile(path, filepath.Join(dst, entry.Name())); err != nil {
			return copied, fmt.Errorf("failed to copy %s: %w", entry.Name(), err)
		}
		copied++
	}
	return copied, nil
}
