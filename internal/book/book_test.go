package book

import (
	"encoding/json"
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func testBook() *Book {
	return &Book{
		Title:     "The Hollow Crown",
		Author:    "A. Writer",
		PageCount: 120,
		Chapters: []Chapter{
			{Number: 3, Title: "Dawn", Content: "A dragon rises.", StartPage: 1, EndPage: 20},
			{Number: 7, Title: "Noon", Content: "The march.", StartPage: 21, EndPage: 44},
			{Number: 9, Title: "Dusk", Content: "Dragon again.", StartPage: 45, EndPage: 70},
			{Number: 12, Title: "Night", Content: "Stars.", StartPage: 71, EndPage: 99},
			{Number: 14, Title: "Dawn Again", Content: "End.", StartPage: 100, EndPage: 120},
		},
	}
}

func TestLoad_RoundTrip(t *testing.T) {
	b := testBook()
	data, _ := json.Marshal(b)
	path := filepath.Join(t.TempDir(), "book.json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if got.Title != b.Title || len(got.Chapters) != 5 {
		t.Errorf("loaded book = %q with %d chapters", got.Title, len(got.Chapters))
	}
}

func TestValidate_Rejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Book)
	}{
		{"no chapters", func(b *Book) { b.Chapters = nil }},
		{"no title", func(b *Book) { b.Title = "" }},
		{"duplicate number", func(b *Book) { b.Chapters[1].Number = 3 }},
		{"out of order", func(b *Book) { b.Chapters[0].Number = 99 }},
		{"non-positive number", func(b *Book) { b.Chapters[0].Number = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			b := testBook()
			tc.mutate(b)
			if err := b.Validate(); err == nil {
				t.Error("Validate accepted invalid book")
			}
		})
	}
}

func TestMapReadingOrder(t *testing.T) {
	b := testBook()

	// Positions 1, 2, 5 map to source chapter numbers 3, 7, 14.
	got, err := b.MapReadingOrder([]int{1, 2, 5})
	if err != nil {
		t.Fatalf("MapReadingOrder failed: %v", err)
	}
	want := []int{3, 7, 14}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("MapReadingOrder = %v, want %v", got, want)
	}

	if _, err := b.MapReadingOrder([]int{6}); err == nil {
		t.Error("expected out-of-range error for position 6")
	}
	if _, err := b.MapReadingOrder([]int{0}); err == nil {
		t.Error("expected out-of-range error for position 0")
	}
}

func TestSlug(t *testing.T) {
	cases := map[string]string{
		"Dawn of the Dragon":  "dawn_of_the_dragon",
		"  Chapter: One!  ":   "chapter_one",
		"":                    "untitled",
		"ALL CAPS & symbols%": "all_caps_symbols",
	}
	for in, want := range cases {
		if got := Slug(in); got != want {
			t.Errorf("Slug(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestChaptersMarkdown_RoundTrip(t *testing.T) {
	b := testBook()
	scenes := map[int][]Scene{
		3: {
			{Index: 1, ChapterNum: 3, Quote: "A dragon rises.", Description: "A green dragon over hills."},
			{Index: 2, ChapterNum: 3, Quote: "The sun broke.", Description: "Sunrise over a ruined keep."},
		},
		9: {
			{Index: 1, ChapterNum: 9, Quote: "Dragon again.", Description: "The dragon lands at dusk."},
		},
	}

	path := filepath.Join(t.TempDir(), ChaptersFileName)
	if err := WriteChaptersMarkdown(path, b, scenes); err != nil {
		t.Fatalf("WriteChaptersMarkdown failed: %v", err)
	}

	got, err := ParseChaptersMarkdown(path)
	if err != nil {
		t.Fatalf("ParseChaptersMarkdown failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("parsed %d chapters, want 2", len(got))
	}
	if len(got[3]) != 2 || len(got[9]) != 1 {
		t.Errorf("scene counts = %d/%d, want 2/1", len(got[3]), len(got[9]))
	}
	if got[3][1].Description != "Sunrise over a ruined keep." {
		t.Errorf("scene 3/2 description = %q", got[3][1].Description)
	}
}

func TestImagePath(t *testing.T) {
	l := NewLayout("/out")
	got := l.ImagePath(4, "The Long Road", 2)
	want := filepath.Join("/out", "chapter_4_the_long_road_scene_2.png")
	if got != want {
		t.Errorf("ImagePath = %q, want %q", got, want)
	}
}
