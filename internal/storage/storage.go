// Package storage names recording artifacts and persists their sidecar
// metadata next to them.
package storage

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	ArtifactPrefix  = "Meeting_"
	TimestampLayout = "2006-01-02_15-04-05"
	sidecarExt      = ".json"
)

// ArtifactName returns Meeting_<timestamp>.<ext>
func ArtifactName(t time.Time, ext string) string {
	return ArtifactPrefix + t.Format(TimestampLayout) + "." + strings.TrimPrefix(ext, ".")
}

// ArtifactPath joins the artifact name onto dir
func ArtifactPath(dir string, t time.Time, ext string) string {
	return filepath.Join(dir, ArtifactName(t, ext))
}

// SourceArtifactPath names a per-source fallback artifact, Meeting_<timestamp>_<source>.<ext>
func SourceArtifactPath(dir string, t time.Time, source, ext string) string {
	name := ArtifactPrefix + t.Format(TimestampLayout) + "_" + source + "." + strings.TrimPrefix(ext, ".")
	return filepath.Join(dir, name)
}

// TempPath returns a unique scratch path for one capture source
func TempPath(dir, source string) string {
	return filepath.Join(dir, fmt.Sprintf("meetcapture_%s_%s.wav", source, uuid.NewString()))
}

// Metadata is the sidecar written beside every artifact
type Metadata struct {
	ID        string  `json:"id"`
	URL       string  `json:"url"`
	Filename  string  `json:"filename"`
	Duration  float64 `json:"duration"`
	Timestamp string  `json:"timestamp"`
	FileSize  int64   `json:"file_size"`
}

// CreatedAt parses the sidecar timestamp
func (m *Metadata) CreatedAt() time.Time {
	t, _ := time.Parse(time.RFC3339, m.Timestamp)
	return t
}

// SidecarPath returns <artifact>.json
func SidecarPath(artifactPath string) string {
	return artifactPath + sidecarExt
}

// FileURL converts a filesystem path to an absolute file:// URL
func FileURL(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	return (&url.URL{Scheme: "file", Path: filepath.ToSlash(abs)}).String()
}

// WriteSidecar describes artifactPath and saves the metadata atomically
func WriteSidecar(artifactPath string, duration time.Duration, createdAt time.Time) (*Metadata, error) {
	st, err := os.Stat(artifactPath)
	if err != nil {
		return nil, fmt.Errorf("stat artifact: %w", err)
	}

	meta := &Metadata{
		ID:        uuid.NewString(),
		URL:       FileURL(artifactPath),
		Filename:  filepath.Base(artifactPath),
		Duration:  duration.Seconds(),
		Timestamp: createdAt.Format(time.RFC3339),
		FileSize:  st.Size(),
	}

	if err := SaveMetadata(SidecarPath(artifactPath), meta); err != nil {
		return nil, err
	}
	return meta, nil
}

// SaveMetadata serialises metadata through a temp file and rename
func SaveMetadata(path string, meta *Metadata) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("marshalling metadata: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing metadata temp file: %w", err)
	}

	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("persisting metadata file: %w", err)
	}
	return nil
}

// LoadMetadata reads a sidecar file
func LoadMetadata(path string) (*Metadata, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading metadata file: %w", err)
	}

	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("unmarshalling metadata file: %w", err)
	}
	return &meta, nil
}

// Recording pairs an artifact path with its sidecar
type Recording struct {
	Path     string
	Metadata *Metadata
}

// ListRecordings returns artifacts with readable sidecars in dir, newest first
func ListRecordings(dir string) ([]Recording, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading recordings directory: %w", err)
	}

	var recordings []Recording
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, ArtifactPrefix) || !strings.HasSuffix(name, sidecarExt) {
			continue
		}
		meta, err := LoadMetadata(filepath.Join(dir, name))
		if err != nil {
			continue
		}
		artifact := filepath.Join(dir, strings.TrimSuffix(name, sidecarExt))
		if _, err := os.Stat(artifact); err != nil {
			continue
		}
		recordings = append(recordings, Recording{Path: artifact, Metadata: meta})
	}

	sort.Slice(recordings, func(i, j int) bool {
		ti, tj := recordings[i].Metadata.CreatedAt(), recordings[j].Metadata.CreatedAt()
		if ti.Equal(tj) {
			return recordings[i].Path > recordings[j].Path
		}
		return ti.After(tj)
	})
	return recordings, nil
}

// RemoveArtifact deletes an artifact and its sidecar, ignoring missing files
func RemoveArtifact(path string) error {
	for _, p := range []string{path, SidecarPath(path)} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("removing %s: %w", p, err)
		}
	}
	return nil
}
