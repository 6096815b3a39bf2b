package book

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

const (
	StateFileName      = ".state.json"
	RegistryFileName   = ".entity-registry.json"
	StyleGuideFileName = ".style-guide.json"
	ProgressFileName   = "progress.md"
	ChaptersFileName   = "Chapters.md"
	ElementsFileName   = "Elements.md"
	ContentsFileName   = "Contents.md"
)

// Layout resolves paths inside a book's output directory.
type Layout struct {
	root string
}

// NewLayout creates a Layout rooted at dir.
func NewLayout(dir string) *Layout {
	return &Layout{root: dir}
}

// Path returns the output directory root.
func (l *Layout) Path() string { return l.root }

// EnsureExists creates the output directory if needed.
func (l *Layout) EnsureExists() error {
	if err := os.MkdirAll(l.root, 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	return nil
}

func (l *Layout) StatePath() string      { return filepath.Join(l.root, StateFileName) }
func (l *Layout) RegistryPath() string   { return filepath.Join(l.root, RegistryFileName) }
func (l *Layout) StyleGuidePath() string { return filepath.Join(l.root, StyleGuideFileName) }
func (l *Layout) ProgressPath() string   { return filepath.Join(l.root, ProgressFileName) }
func (l *Layout) ChaptersPath() string   { return filepath.Join(l.root, ChaptersFileName) }
func (l *Layout) ElementsPath() string   { return filepath.Join(l.root, ElementsFileName) }
func (l *Layout) ContentsPath() string   { return filepath.Join(l.root, ContentsFileName) }

// ImagePath returns the path for a rendered scene image.
// Pattern: chapter_<n>_<slug>_scene_<k>.png
func (l *Layout) ImagePath(chapterNum int, chapterTitle string, sceneIdx int) string {
	name := fmt.Sprintf("chapter_%d_%s_scene_%d.png", chapterNum, Slug(chapterTitle), sceneIdx)
	return filepath.Join(l.root, name)
}

var slugStrip = regexp.MustCompile(`[^a-z0-9]+`)

// Slug sanitizes a chapter title for use in filenames.
func Slug(title string) string {
	s := strings.ToLower(strings.TrimSpace(title))
	s = slugStrip.ReplaceAllString(s, "_")
	s = strings.Trim(s, "_")
	if s == "" {
		s = "untitled"
	}
	if len(s) > 60 {
		s = s[:60]
	}
	return s
}
