// Copyright 2026 The Weft Authors
// SPDX-License-Identifier: Apache-2.0

package mdterm

import (
	"strings"
	"testing"

	"github.com/charmbracelet/x/ansi"
)

// stripped renders markdown and returns ANSI-stripped visible text.
func stripped(input string, width int) string {
	return ansi.Strip(Render(input, DefaultTheme(), width))
}

func TestRenderEmpty(t *testing.T) {
	if result := Render("", DefaultTheme(), 80); result != "" {
		t.Errorf("expected empty output for empty input, got %q", result)
	}
}

func TestParagraphReflow(t *testing.T) {
	// Source hard-wrapped at a narrow width.
	input := "This paragraph was written\nat a narrow width with\nhard breaks embedded in it."
	result := stripped(input, 120)

	if strings.Contains(result, "\n") {
		t.Errorf("expected a single reflowed line at width 120:\n%s", result)
	}
	if !strings.Contains(result, "written at a narrow") {
		t.Errorf("soft break not converted to a space:\n%s", result)
	}
}

func TestParagraphWrapsAtWidth(t *testing.T) {
	input := "This paragraph should be wrapped at the requested target width."
	for _, line := range strings.Split(stripped(input, 30), "\n") {
		if len(line) > 30 {
			t.Errorf("line exceeds width 30: %q", line)
		}
	}
}

func TestHardLineBreak(t *testing.T) {
	// Two trailing spaces force a break in CommonMark.
	result := stripped("Line one  \nLine two", 80)
	if !strings.Contains(result, "Line one\nLine two") {
		t.Errorf("hard line break not preserved:\n%s", result)
	}
}

func TestHeadings(t *testing.T) {
	result := stripped("# Top\n\nBody text.\n\n## Second", 80)
	for _, want := range []string{"Top", "Body text.", "Second"} {
		if !strings.Contains(result, want) {
			t.Errorf("output missing %q:\n%s", want, result)
		}
	}
}

func TestBulletList(t *testing.T) {
	result := stripped("- first\n- second\n  - nested", 80)
	if !strings.Contains(result, "- first") || !strings.Contains(result, "- second") {
		t.Errorf("bullets missing:\n%s", result)
	}
	if !strings.Contains(result, "  - nested") {
		t.Errorf("nested bullet not indented:\n%s", result)
	}
}

func TestOrderedListCounts(t *testing.T) {
	result := stripped("1. one\n2. two\n3. three", 80)
	for _, want := range []string{"1. one", "2. two", "3. three"} {
		if !strings.Contains(result, want) {
			t.Errorf("output missing %q:\n%s", want, result)
		}
	}
}

func TestListItemWrapsUnderBullet(t *testing.T) {
	input := "- a list item long enough that it must wrap onto a continuation line somewhere"
	lines := strings.Split(stripped(input, 40), "\n")
	if len(lines) < 2 {
		t.Fatalf("expected the item to wrap:\n%s", strings.Join(lines, "\n"))
	}
	if !strings.HasPrefix(lines[0], "- ") {
		t.Errorf("first line = %q, want bullet prefix", lines[0])
	}
	if !strings.HasPrefix(lines[1], "  ") {
		t.Errorf("continuation line = %q, want aligned under the bullet text", lines[1])
	}
}

func TestBlockquotePrefix(t *testing.T) {
	result := stripped("> quoted text", 80)
	if !strings.Contains(result, "│ quoted text") {
		t.Errorf("blockquote prefix missing:\n%s", result)
	}
}

func TestFencedCodeBlockPreservesLines(t *testing.T) {
	input := "```go\nfunc main() {\n\tprintln(\"hi\")\n}\n```"
	result := stripped(input, 80)
	if !strings.Contains(result, "func main() {") {
		t.Errorf("code content missing:\n%s", result)
	}
	// Code lines never reflow.
	if !strings.Contains(result, "}") {
		t.Errorf("closing brace lost:\n%s", result)
	}
}

func TestCodeSpan(t *testing.T) {
	result := stripped("run `weft sync` now", 80)
	if !strings.Contains(result, "run weft sync now") {
		t.Errorf("code span text missing:\n%s", result)
	}
}

func TestLinkShowsDestination(t *testing.T) {
	result := stripped("see [the docs](https://example.net/docs)", 80)
	if !strings.Contains(result, "the docs (https://example.net/docs)") {
		t.Errorf("link destination missing:\n%s", result)
	}
}

func TestTaskList(t *testing.T) {
	result := stripped("- [x] done\n- [ ] pending", 80)
	if !strings.Contains(result, "[x] done") || !strings.Contains(result, "[ ] pending") {
		t.Errorf("task checkboxes missing:\n%s", result)
	}
}

func TestTableFlattens(t *testing.T) {
	input := "| peer | state |\n| --- | --- |\n| bob.example.org | active |"
	result := stripped(input, 80)
	if !strings.Contains(result, "peer") || !strings.Contains(result, "bob.example.org") {
		t.Errorf("table content missing:\n%s", result)
	}
	if strings.Contains(result, "|") {
		t.Errorf("pipe characters leaked into output:\n%s", result)
	}
}

func TestThematicBreak(t *testing.T) {
	result := stripped("above\n\n---\n\nbelow", 40)
	if !strings.Contains(result, strings.Repeat("─", 40)) {
		t.Errorf("rule missing:\n%s", result)
	}
}

func TestEmphasisStyling(t *testing.T) {
	// Styled output carries ANSI sequences; the visible text must
	// survive stripping.
	result := stripped("plain **bold** and *italic* and ~~gone~~", 80)
	if !strings.Contains(result, "plain bold and italic and gone") {
		t.Errorf("emphasis text mangled:\n%s", result)
	}
}
