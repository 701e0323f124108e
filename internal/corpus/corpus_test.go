package corpus

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

const sampleJSON = `{
  "version": "2026-08",
  "categories": {
    "cultivation_realms": {
      "patterns": [
        {"term": "金丹期", "primary_rendering": "Kim Đan", "corpus_frequency": 42},
        {"term": "元婴期", "primary_rendering": "Nguyên Anh", "alternate_renderings": ["Nascent Soul"]},
        {"term": "破障", "primary_rendering": ""}
      ],
      "negative_anchors": ["他走进房间坐下"]
    },
    "action_emphasis": {
      "patterns": [
        {"term": "一剑", "primary_rendering": "một kiếm"}
      ]
    }
  }
}`

func TestLoadJSON(t *testing.T) {
	c, err := LoadJSON([]byte(sampleJSON))
	if err != nil {
		t.Fatalf("LoadJSON: %v", err)
	}

	if c.Version != "2026-08" {
		t.Errorf("version = %q", c.Version)
	}
	// The empty-rendering pattern is skipped, not fatal.
	if len(c.Patterns) != 3 {
		t.Fatalf("got %d patterns, want 3: %+v", len(c.Patterns), c.Patterns)
	}
	if len(c.Anchors) != 1 {
		t.Fatalf("got %d anchors, want 1", len(c.Anchors))
	}
	if c.Anchors[0].Category != "cultivation_realms" {
		t.Errorf("anchor category = %q", c.Anchors[0].Category)
	}

	var found *Pattern
	for i := range c.Patterns {
		if c.Patterns[i].Term == "金丹期" {
			found = &c.Patterns[i]
		}
	}
	if found == nil {
		t.Fatal("pattern 金丹期 not loaded")
	}
	if found.PrimaryRendering != "Kim Đan" || found.CorpusFrequency != 42 {
		t.Errorf("pattern = %+v", found)
	}
	if found.Category != "cultivation_realms" {
		t.Errorf("category not assigned from group key: %q", found.Category)
	}
	if found.ID() != "cultivation_realms::金丹期" {
		t.Errorf("ID = %q", found.ID())
	}
}

func TestLoadJSONMalformed(t *testing.T) {
	cases := []string{
		`not json at all`,
		`{"version": "x"}`,                   // no categories
		`{"version": "x", "categories": {}}`, // empty categories
	}
	for _, src := range cases {
		if _, err := LoadJSON([]byte(src)); !errors.Is(err, ErrCorpusMalformed) {
			t.Errorf("LoadJSON(%q) err = %v, want ErrCorpusMalformed", src, err)
		}
	}
}

func TestLoadJSONVersionFallback(t *testing.T) {
	src := []byte(`{"categories":{"c":{"patterns":[{"term":"a","primary_rendering":"b"}]}}}`)
	c1, err := LoadJSON(src)
	if err != nil {
		t.Fatal(err)
	}
	c2, err := LoadJSON(src)
	if err != nil {
		t.Fatal(err)
	}
	if c1.Version == "" {
		t.Error("version fallback is empty")
	}
	if c1.Version != c2.Version {
		t.Errorf("content version not stable: %q vs %q", c1.Version, c2.Version)
	}
}

func TestLoadJSONDeterministicOrder(t *testing.T) {
	// The same term in two categories with equal frequency: the flattened
	// order, and with it the direct-cache tie-break winner downstream, must
	// not depend on map iteration order.
	src := []byte(`{
	  "categories": {
	    "zz_realms": {"patterns": [{"term": "灵气", "primary_rendering": "khí chất", "corpus_frequency": 5}]},
	    "aa_nuance": {"patterns": [{"term": "灵气", "primary_rendering": "linh khí", "corpus_frequency": 5}]}
	  }
	}`)
	for i := 0; i < 20; i++ {
		c, err := LoadJSON(src)
		if err != nil {
			t.Fatal(err)
		}
		if len(c.Patterns) != 2 {
			t.Fatalf("got %d patterns, want 2", len(c.Patterns))
		}
		if c.Patterns[0].Category != "aa_nuance" || c.Patterns[1].Category != "zz_realms" {
			t.Fatalf("patterns flattened out of category order: %+v", c.Patterns)
		}
	}
}

func TestCorpusFromSheetsDeterministicOrder(t *testing.T) {
	sheets := map[string][][]string{
		"zz_realms": {{"term", "primary_rendering"}, {"灵气", "khí chất"}},
		"aa_nuance": {{"term", "primary_rendering"}, {"灵气", "linh khí"}},
	}
	for i := 0; i < 20; i++ {
		c, err := corpusFromSheets([]byte("wb"), sheets)
		if err != nil {
			t.Fatal(err)
		}
		if len(c.Patterns) != 2 {
			t.Fatalf("got %d patterns, want 2", len(c.Patterns))
		}
		if c.Patterns[0].Category != "aa_nuance" || c.Patterns[1].Category != "zz_realms" {
			t.Fatalf("patterns flattened out of sheet order: %+v", c.Patterns)
		}
	}
}

func TestAnchorUnknownCategorySkipped(t *testing.T) {
	src := []byte(`{
	  "categories": {
	    "known": {
	      "patterns": [{"term": "a", "primary_rendering": "b"}]
	    }
	  }
	}`)
	c, err := LoadJSON(src)
	if err != nil {
		t.Fatal(err)
	}
	// Inject via validate directly: anchor referencing a category with no patterns.
	c2 := validate(c.Version, c.Patterns, []NegativeAnchor{
		{Category: "unknown", SourceText: "x"},
		{Category: "known", SourceText: "y"},
		{Category: "known", SourceText: "  "},
	})
	if len(c2.Anchors) != 1 || c2.Anchors[0].SourceText != "y" {
		t.Errorf("anchors = %+v, want only the valid one", c2.Anchors)
	}
}

func TestCategories(t *testing.T) {
	c, err := LoadJSON([]byte(sampleJSON))
	if err != nil {
		t.Fatal(err)
	}
	cats := c.Categories()
	if len(cats) != 2 {
		t.Errorf("categories = %v", cats)
	}
}

func TestLoadFileDispatch(t *testing.T) {
	dir := t.TempDir()
	jsonPath := filepath.Join(dir, "corpus.json")
	if err := os.WriteFile(jsonPath, []byte(sampleJSON), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadFile(jsonPath); err != nil {
		t.Errorf("LoadFile json: %v", err)
	}

	txtPath := filepath.Join(dir, "corpus.txt")
	if err := os.WriteFile(txtPath, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadFile(txtPath); !errors.Is(err, ErrCorpusMalformed) {
		t.Errorf("LoadFile txt err = %v, want ErrCorpusMalformed", err)
	}

	if _, err := LoadFile(filepath.Join(dir, "missing.json")); err == nil {
		t.Error("LoadFile on missing file succeeded")
	}
}

func TestLoadXLSMalformed(t *testing.T) {
	if _, err := LoadXLS([]byte("definitely not a BIFF workbook")); !errors.Is(err, ErrCorpusMalformed) {
		t.Errorf("LoadXLS err = %v, want ErrCorpusMalformed", err)
	}
}

func TestLoadXLSXMalformed(t *testing.T) {
	if _, err := LoadXLSX([]byte("definitely not a zip archive")); !errors.Is(err, ErrCorpusMalformed) {
		t.Errorf("LoadXLSX err = %v, want ErrCorpusMalformed", err)
	}
}

func TestParsePatternRows(t *testing.T) {
	rows := [][]string{
		{"term", "primary_rendering", "alternate_renderings", "corpus_frequency"},
		{"金丹期", "Kim Đan", "Golden Core|Kim Đan Kỳ", "12"},
		{"", "", "", ""},
		{"元婴期", "Nguyên Anh", "", "not-a-number"},
	}
	patterns := parsePatternRows("cultivation_realms", rows)
	if len(patterns) != 2 {
		t.Fatalf("got %d patterns, want 2", len(patterns))
	}
	if patterns[0].CorpusFrequency != 12 {
		t.Errorf("frequency = %d", patterns[0].CorpusFrequency)
	}
	if len(patterns[0].AlternateRenderings) != 2 {
		t.Errorf("alternates = %v", patterns[0].AlternateRenderings)
	}
	if patterns[1].CorpusFrequency != 0 {
		t.Errorf("bad frequency should default to 0, got %d", patterns[1].CorpusFrequency)
	}
}

func TestParseAnchorRows(t *testing.T) {
	rows := [][]string{
		{"category", "source_text"},
		{"action_emphasis", "He entered the room and sat in the chair"},
		{"", ""},
	}
	anchors := parseAnchorRows(rows)
	if len(anchors) != 1 {
		t.Fatalf("got %d anchors, want 1", len(anchors))
	}
	if anchors[0].Category != "action_emphasis" {
		t.Errorf("anchor = %+v", anchors[0])
	}
}

func TestSplitList(t *testing.T) {
	cases := []struct {
		in   string
		want int
	}{
		{"", 0},
		{"  ", 0},
		{"a", 1},
		{"a, b, c", 3},
		{"a|b|c", 3},
		{"a | b,c", 2}, // pipe wins, comma stays inside the second element
	}
	for _, tc := range cases {
		if got := splitList(tc.in); len(got) != tc.want {
			t.Errorf("splitList(%q) = %v, want %d elements", tc.in, got, tc.want)
		}
	}
}
