package book

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/storybrush/storybrush/internal/fsutil"
)

// WriteChaptersMarkdown renders the per-chapter scene catalog to Chapters.md.
// The format is stable and parseable: "### Chapter N: <title>" headings,
// "#### Scene K" subheadings, a fenced json block per scene, "---" between
// scenes. The regenerate-specific-scene path depends on this shape.
func WriteChaptersMarkdown(path string, b *Book, scenes map[int][]Scene) error {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("# %s: Scenes\n\n", b.Title))

	for _, ch := range b.Chapters {
		chScenes, ok := scenes[ch.Number]
		if !ok || len(chScenes) == 0 {
			continue
		}
		sb.WriteString(fmt.Sprintf("### Chapter %d: %s\n\n", ch.Number, ch.Title))

		sorted := append([]Scene(nil), chScenes...)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i].Index < sorted[j].Index })

		for i, sc := range sorted {
			sb.WriteString(fmt.Sprintf("#### Scene %d\n\n", sc.Index))
			blob, err := json.MarshalIndent(sc, "", "  ")
			if err != nil {
				return fmt.Errorf("failed to marshal scene %d/%d: %w", ch.Number, sc.Index, err)
			}
			sb.WriteString("```json\n")
			sb.Write(blob)
			sb.WriteString("\n```\n")
			if i < len(sorted)-1 {
				sb.WriteString("\n---\n\n")
			}
		}
		sb.WriteString("\n")
	}

	return fsutil.WriteFile(path, []byte(sb.String()), 0o644)
}

var (
	chapterHeading = regexp.MustCompile(`^### Chapter (\d+): (.*)$`)
	sceneHeading   = regexp.MustCompile(`^#### Scene (\d+)$`)
)

// ParseChaptersMarkdown reads a Chapters.md file back into scenes keyed by
// chapter number. Used by the regenerate path to locate a single scene.
func ParseChaptersMarkdown(path string) (map[int][]Scene, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	scenes := make(map[int][]Scene)
	var (
		currentChapter int
		inFence        bool
		fence          strings.Builder
	)

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()

		if inFence {
			if strings.TrimSpace(line) == "```" {
				inFence = false
				var sc Scene
				if err := json.Unmarshal([]byte(fence.String()), &sc); err != nil {
					return nil, fmt.Errorf("malformed scene json in %s (chapter %d): %w", path, currentChapter, err)
				}
				if sc.ChapterNum == 0 {
					sc.ChapterNum = currentChapter
				}
				scenes[sc.ChapterNum] = append(scenes[sc.ChapterNum], sc)
				fence.Reset()
				continue
			}
			fence.WriteString(line)
			fence.WriteString("\n")
			continue
		}

		if m := chapterHeading.FindStringSubmatch(line); m != nil {
			currentChapter, _ = strconv.Atoi(m[1])
			continue
		}
		if sceneHeading.MatchString(line) {
			continue
		}
		if strings.HasPrefix(strings.TrimSpace(line), "```json") {
			if currentChapter == 0 {
				return nil, fmt.Errorf("scene block before any chapter heading in %s", path)
			}
			inFence = true
			fence.Reset()
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan %s: %w", path, err)
	}

	for n := range scenes {
		sort.Slice(scenes[n], func(i, j int) bool { return scenes[n][i].Index < scenes[n][j].Index })
	}
	return scenes, nil
}

// WriteContentsMarkdown renders the top-level index of generated artifacts.
func WriteContentsMarkdown(path string, b *Book, scenes map[int][]Scene) error {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("# %s\n\n", b.Title))
	if b.Author != "" {
		sb.WriteString(fmt.Sprintf("by %s\n\n", b.Author))
	}
	sb.WriteString("| Chapter | Title | Scenes | Pages |\n")
	sb.WriteString("|---|---|---|---|\n")
	for _, ch := range b.Chapters {
		sb.WriteString(fmt.Sprintf("| %d | %s | %d | %d–%d |\n",
			ch.Number, ch.Title, len(scenes[ch.Number]), ch.StartPage, ch.EndPage))
	}
	sb.WriteString("\nSee [Chapters.md](Chapters.md) and [Elements.md](Elements.md).\n")
	return fsutil.WriteFile(path, []byte(sb.String()), 0o644)
}
