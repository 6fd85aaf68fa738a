/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: tmpfs.go
Description: tmpfs mounting for the disk overlays of normal mode instances.
*/

package supervisor

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// MountTmpfs mounts a tmpfs of the given size ("512M") on path, creating it
func MountTmpfs(path, size string) error {
	if err := os.MkdirAll(path, 0755); err != nil {
		return fmt.Errorf("failed to create mount point: %w", err)
	}
	var data string
	if size != "" {
		data = "size=" + size
	}
	if err := unix.Mount("tmpfs", path, "tmpfs", 0, data); err != nil {
		return fmt.Errorf("failed to mount tmpfs on %s: %w", path, err)
	}
	return nil
}

// Unmount detaches the filesystem mounted on path
func Unmount(path string) error {
	if err := unix.Unmount(path, 0); err != nil {
		return fmt.Errorf("failed to unmount %s: %w", path, err)
	}
	return nil
}
