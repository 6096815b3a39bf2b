// Package book provides the parsed-book data model and the on-disk layout of
// a book's output directory. Parsing source formats (EPUB/PDF/MOBI) happens
// upstream; this package consumes the already-parsed descriptor.
package book

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
)

// Book is the immutable descriptor for one pipeline run.
type Book struct {
	Title      string    `json:"title"`
	Author     string    `json:"author,omitempty"`
	PageCount  int       `json:"pageCount"`
	SourcePath string    `json:"sourcePath,omitempty"`
	Chapters   []Chapter `json:"chapters"`
}

// Chapter is the unit of scheduling. Numbers are stable reading-order
// identifiers from the source book; they are ordered but not necessarily
// dense (front matter may consume low numbers).
type Chapter struct {
	Number        int    `json:"number"`
	Title         string `json:"title"`
	Content       string `json:"content"`
	StartPage     int    `json:"startPage,omitempty"`
	EndPage       int    `json:"endPage,omitempty"`
	TokenEstimate int    `json:"tokenEstimate,omitempty"`
}

// PageSpan returns the inclusive page count of the chapter, minimum 1.
func (c Chapter) PageSpan() int {
	span := c.EndPage - c.StartPage + 1
	if span < 1 {
		return 1
	}
	return span
}

// Scene is a model-identified visual moment within a chapter.
type Scene struct {
	Index       int    `json:"index"`
	ChapterNum  int    `json:"chapterNum"`
	Quote       string `json:"quote"`
	Description string `json:"description"`
	Reasoning   string `json:"reasoning,omitempty"`
	ImagePath   string `json:"imagePath,omitempty"`
}

// Load reads a parsed-book descriptor from a JSON file and validates it.
func Load(path string) (*Book, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read book descriptor: %w", err)
	}

	var b Book
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("failed to parse book descriptor: %w", err)
	}
	if err := b.Validate(); err != nil {
		return nil, err
	}
	return &b, nil
}

// Validate checks structural invariants of the descriptor.
func (b *Book) Validate() error {
	if b.Title == "" {
		return fmt.Errorf("book has no title")
	}
	if len(b.Chapters) == 0 {
		return fmt.Errorf("book %q has no chapters", b.Title)
	}

	seen := make(map[int]bool, len(b.Chapters))
	for i, ch := range b.Chapters {
		if ch.Number <= 0 {
			return fmt.Errorf("chapter at position %d has non-positive number %d", i, ch.Number)
		}
		if seen[ch.Number] {
			return fmt.Errorf("duplicate chapter number %d", ch.Number)
		}
		seen[ch.Number] = true
	}
	if !sort.SliceIsSorted(b.Chapters, func(i, j int) bool {
		return b.Chapters[i].Number < b.Chapters[j].Number
	}) {
		return fmt.Errorf("chapters are not in reading order")
	}
	return nil
}

// Chapter returns the chapter with the given number, or nil.
func (b *Book) Chapter(num int) *Chapter {
	for i := range b.Chapters {
		if b.Chapters[i].Number == num {
			return &b.Chapters[i]
		}
	}
	return nil
}

// ChapterNumbers returns all chapter numbers in reading order.
func (b *Book) ChapterNumbers() []int {
	nums := make([]int, len(b.Chapters))
	for i, ch := range b.Chapters {
		nums[i] = ch.Number
	}
	return nums
}

// MapReadingOrder maps 1-based reading-order positions to chapter numbers.
// Position i selects the i-th chapter in reading order regardless of how the
// source numbered it.
func (b *Book) MapReadingOrder(positions []int) ([]int, error) {
	nums := make([]int, 0, len(positions))
	for _, p := range positions {
		if p < 1 || p > len(b.Chapters) {
			return nil, fmt.Errorf("chapter position %d out of range 1..%d", p, len(b.Chapters))
		}
		nums = append(nums, b.Chapters[p-1].Number)
	}
	return nums, nil
}
