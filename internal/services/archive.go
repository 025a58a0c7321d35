package services

import (
	"archive/zip"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/desh0cc/psychopass/internal/config"
	"github.com/desh0cc/psychopass/internal/result"

	"go.uber.org/zap"
)

// StoredArchive is an uploaded export archive on disk
type StoredArchive struct {
	Name      string `json:"name"`
	Path      string `json:"path"`
	Hash      string `json:"hash"`
	Size      int64  `json:"size"`
	Duplicate bool   `json:"duplicate"`
}

// Extraction is an unpacked archive
type Extraction struct {
	Dir       string `json:"dir"`
	Files     int    `json:"files"`
	TotalSize int64  `json:"total_size"`
	Skipped   int    `json:"skipped"`
}

// ArchiveService stores uploaded export archives and unpacks them for parsing
type ArchiveService struct {
	upload config.UploadConfig
	dirs   config.DirectoriesConfig
	log    *zap.Logger
}

// NewArchiveService creates a new archive service
func NewArchiveService(cfg *config.Config, log *zap.Logger) *ArchiveService {
	return &ArchiveService{upload: cfg.Upload, dirs: cfg.Directories, log: log}
}

// Store writes the archive read from r to the uploads directory under its
// content hash. An archive that is already stored is reported as a duplicate.
func (s *ArchiveService) Store(name string, r io.Reader, size int64) (*StoredArchive, error) {
	const op = "archive.store"

	if size > s.upload.MaxFileSize {
		return nil, result.Errorf(result.Invalid, op, "file size %d exceeds maximum %d", size, s.upload.MaxFileSize)
	}
	if err := os.MkdirAll(s.dirs.UploadsDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create uploads directory: %w", err)
	}

	tempFile, err := os.CreateTemp(s.dirs.UploadsDir, ".upload-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp file: %w", err)
	}
	tempPath := tempFile.Name()
	defer os.Remove(tempPath)
	defer tempFile.Close()

	hash := sha256.New()
	written, err := io.Copy(io.MultiWriter(tempFile, hash), io.LimitReader(r, s.upload.MaxFileSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to write file: %w", err)
	}
	if written > s.upload.MaxFileSize {
		return nil, result.Errorf(result.Invalid, op, "file exceeds maximum size %d", s.upload.MaxFileSize)
	}
	if size >= 0 && written != size {
		return nil, result.Errorf(result.Invalid, op, "file size mismatch: expected %d, wrote %d", size, written)
	}
	if err := tempFile.Close(); err != nil {
		return nil, fmt.Errorf("failed to close temp file: %w", err)
	}

	fileHash := hex.EncodeToString(hash.Sum(nil))
	stored := &StoredArchive{
		Name: name,
		Path: filepath.Join(s.dirs.UploadsDir, fileHash+".zip"),
		Hash: fileHash,
		Size: written,
	}

	if _, err := os.Stat(stored.Path); err == nil {
		s.log.Info("Duplicate archive detected", zap.String("hash", fileHash))
		stored.Duplicate = true
		return stored, nil
	}

	if err := os.Rename(tempPath, stored.Path); err != nil {
		return nil, fmt.Errorf("failed to rename temp file: %w", err)
	}

	s.log.Info("Archive stored",
		zap.String("name", name),
		zap.String("hash", fileHash),
		zap.Int64("size", written),
	)
	return stored, nil
}

// Extract unpacks a stored archive into the extraction directory keyed by
// its hash. Entries escaping the target directory are skipped; exceeding the
// file count or size limits aborts the extraction.
func (s *ArchiveService) Extract(archive *StoredArchive) (*Extraction, error) {
	const op = "archive.extract"

	zipReader, err := zip.OpenReader(archive.Path)
	if err != nil {
		return nil, result.Wrap(result.Invalid, op, fmt.Errorf("failed to open ZIP file: %w", err))
	}
	defer zipReader.Close()

	out := &Extraction{Dir: filepath.Join(s.dirs.ExtractedDir, archive.Hash)}
	if err := os.MkdirAll(out.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create extraction directory: %w", err)
	}

	for _, file := range zipReader.File {
		if file.FileInfo().IsDir() {
			continue
		}
		if out.Files >= s.upload.MaxExtractedFiles {
			return nil, result.Errorf(result.Invalid, op, "exceeded max extracted files: %d", s.upload.MaxExtractedFiles)
		}

		destPath, err := sanitizePath(file.Name, out.Dir)
		if err != nil {
			s.log.Warn("Skipping file with invalid path", zap.String("file", file.Name), zap.Error(err))
			out.Skipped++
			continue
		}

		if out.TotalSize+int64(file.UncompressedSize64) > s.upload.MaxExtractionSize {
			return nil, result.Errorf(result.Invalid, op, "exceeded max extraction size: %d", s.upload.MaxExtractionSize)
		}

		if err := extractFile(file, destPath); err != nil {
			s.log.Warn("Failed to extract file", zap.String("file", file.Name), zap.Error(err))
			out.Skipped++
			continue
		}

		out.TotalSize += int64(file.UncompressedSize64)
		out.Files++
	}

	s.log.Info("Extraction completed",
		zap.String("hash", archive.Hash),
		zap.Int("files_extracted", out.Files),
		zap.Int("skipped", out.Skipped),
		zap.Int64("total_size", out.TotalSize),
	)
	return out, nil
}

// sanitizePath resolves name under baseDir, rejecting paths that escape it
func sanitizePath(name, baseDir string) (string, error) {
	cleaned := filepath.Clean(filepath.FromSlash(name))
	cleaned = strings.TrimLeft(cleaned, `/\`)

	if filepath.IsAbs(cleaned) || filepath.VolumeName(cleaned) != "" {
		return "", fmt.Errorf("absolute path not allowed: %s", name)
	}
	for _, part := range strings.Split(filepath.ToSlash(cleaned), "/") {
		if part == ".." {
			return "", fmt.Errorf("path contains '..': %s", name)
		}
	}

	baseAbs, err := filepath.Abs(baseDir)
	if err != nil {
		return "", fmt.Errorf("failed to get absolute base path: %w", err)
	}
	fullAbs, err := filepath.Abs(filepath.Join(baseDir, cleaned))
	if err != nil {
		return "", fmt.Errorf("failed to get absolute file path: %w", err)
	}
	if fullAbs != baseAbs && !strings.HasPrefix(fullAbs, baseAbs+string(filepath.Separator)) {
		return "", fmt.Errorf("path outside base directory: %s", name)
	}
	return fullAbs, nil
}

// extractFile copies a single ZIP entry to destPath
func extractFile(file *zip.File, destPath string) error {
	if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	src, err := file.Open()
	if err != nil {
		return fmt.Errorf("failed to open file in ZIP: %w", err)
	}
	defer src.Close()

	dst, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("failed to create destination file: %w", err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, io.LimitReader(src, int64(file.UncompressedSize64))); err != nil {
		return fmt.Errorf("failed to copy file content: %w", err)
	}
	return dst.Close()
}
