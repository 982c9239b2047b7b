package mover

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// subtitleExts is the set of sibling-file extensions that travel with a
// video between tiers. Language-tagged variants (video.en.srt) match too.
var subtitleExts = map[string]bool{
	".srt": true,
	".ass": true,
	".sub": true,
	".idx": true,
	".vtt": true,
}

// Siblings lists the subtitle files sharing videoPath's stem in the same
// directory, sorted for deterministic transfer order. The video itself is
// never included.
func Siblings(videoPath string) []string {
	dir := filepath.Dir(videoPath)
	base := filepath.Base(videoPath)
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	if stem == "" {
		return nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}

	var out []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if name == base {
			continue
		}
		if !subtitleExts[strings.ToLower(filepath.Ext(name))] {
			continue
		}
		// Exact stem (video.srt) or language-tagged (video.en.srt).
		rest := strings.TrimSuffix(name, filepath.Ext(name))
		if rest != stem && !strings.HasPrefix(name, stem+".") {
			continue
		}
		out = append(out, filepath.Join(dir, name))
	}
	sort.Strings(out)
	return out
}
