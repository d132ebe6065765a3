// Copyright 2026 The Weft Authors
// SPDX-License-Identifier: Apache-2.0

package mdterm

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/alecthomas/chroma/v2/quick"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"
	"github.com/muesli/termenv"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	extast "github.com/yuin/goldmark/extension/ast"
	"github.com/yuin/goldmark/text"
)

// Theme holds the colors the renderer styles output with.
type Theme struct {
	Heading lipgloss.Color
	Text    lipgloss.Color
	Faint   lipgloss.Color
	Rule    lipgloss.Color
	Checked lipgloss.Color
}

// DefaultTheme is a 256-color palette that reads on dark terminals.
func DefaultTheme() Theme {
	return Theme{
		Heading: lipgloss.Color("81"),
		Text:    lipgloss.Color("252"),
		Faint:   lipgloss.Color("244"),
		Rule:    lipgloss.Color("238"),
		Checked: lipgloss.Color("77"),
	}
}

// The parser configuration never changes and a goldmark parser is safe
// to share; per-call state lives in the reader.
var (
	parserInstance goldmark.Markdown
	parserOnce     sync.Once
)

func parser() goldmark.Markdown {
	parserOnce.Do(func() {
		parserInstance = goldmark.New(goldmark.WithExtensions(extension.GFM))
	})
	return parserInstance
}

// Render parses markdown and produces styled terminal output wrapped
// to width.
func Render(input string, theme Theme, width int) string {
	if input == "" {
		return ""
	}
	source := []byte(input)
	document := parser().Parser().Parse(text.NewReader(source))

	// Force the ANSI256 profile: this output is always for a terminal,
	// and auto-detection produces uncolored output without a TTY.
	lipRenderer := lipgloss.NewRenderer(os.Stderr, termenv.WithProfile(termenv.ANSI256))
	lipRenderer.SetColorProfile(termenv.ANSI256)

	r := &renderer{
		source:      source,
		theme:       theme,
		width:       width,
		lipRenderer: lipRenderer,
	}
	ast.Walk(document, r.walk)
	return strings.TrimRight(r.output.String(), "\n")
}

type renderer struct {
	source []byte
	theme  Theme
	width  int

	output strings.Builder

	// Inline accumulator, flushed with word-wrap when the containing
	// block closes.
	inline strings.Builder

	// Prefix stack for nested containers (blockquotes, list items).
	prefixStack     []prefixLevel
	linePrefix      string
	linePrefixWidth int

	// pendingBullet replaces linePrefix for the next emitted line.
	pendingBullet string

	// Style counters rather than booleans: nested emphasis must
	// unwind correctly.
	boldCount          int
	italicCount        int
	strikethroughCount int

	listStack []listState

	lipRenderer *lipgloss.Renderer

	trailingNewlines int
}

type prefixLevel struct {
	text  string
	width int
}

type listState struct {
	ordered bool
	counter int
	tight   bool
}

func (r *renderer) newStyle() lipgloss.Style {
	return r.lipRenderer.NewStyle()
}

// currentWidth is the content width left after nesting prefixes,
// clamped so degenerate terminals still wrap sanely.
func (r *renderer) currentWidth() int {
	width := r.width - r.linePrefixWidth
	if width < 10 {
		width = 10
	}
	return width
}

func (r *renderer) pushPrefix(prefix string, visibleWidth int) {
	r.prefixStack = append(r.prefixStack, prefixLevel{text: prefix, width: visibleWidth})
	r.linePrefix += prefix
	r.linePrefixWidth += visibleWidth
}

func (r *renderer) popPrefix() {
	if len(r.prefixStack) == 0 {
		return
	}
	top := r.prefixStack[len(r.prefixStack)-1]
	r.prefixStack = r.prefixStack[:len(r.prefixStack)-1]
	r.linePrefix = r.linePrefix[:len(r.linePrefix)-len(top.text)]
	r.linePrefixWidth -= top.width
}

func (r *renderer) inTightList() bool {
	if len(r.listStack) == 0 {
		return false
	}
	return r.listStack[len(r.listStack)-1].tight
}

func (r *renderer) writeOutput(s string) {
	if s == "" {
		return
	}
	r.output.WriteString(s)

	trailing := 0
	entirelyNewlines := true
	for index := len(s) - 1; index >= 0; index-- {
		if s[index] == '\n' {
			trailing++
		} else {
			entirelyNewlines = false
			break
		}
	}
	if entirelyNewlines {
		r.trailingNewlines += trailing
	} else {
		r.trailingNewlines = trailing
	}
}

func (r *renderer) ensureNewline() {
	if r.trailingNewlines < 1 {
		r.writeOutput("\n")
	}
}

func (r *renderer) ensureBlankLine() {
	for r.trailingNewlines < 2 {
		r.writeOutput("\n")
	}
}

func (r *renderer) consumeLinePrefix() string {
	if r.pendingBullet != "" {
		bullet := r.pendingBullet
		r.pendingBullet = ""
		return bullet
	}
	return r.linePrefix
}

// applyPrefixes prepends the line prefix to every line; the first line
// consumes the pending bullet if one is set.
func (r *renderer) applyPrefixes(content string) string {
	lines := strings.Split(content, "\n")
	var result strings.Builder
	for index, line := range lines {
		if index == 0 {
			result.WriteString(r.consumeLinePrefix())
		} else {
			result.WriteString(r.linePrefix)
		}
		result.WriteString(line)
		if index < len(lines)-1 {
			result.WriteString("\n")
		}
	}
	return result.String()
}

func (r *renderer) flushInline() string {
	content := r.inline.String()
	r.inline.Reset()
	if content == "" {
		return ""
	}
	return r.applyPrefixes(ansi.Wrap(content, r.currentWidth(), " ,.;-+|"))
}

func (r *renderer) styledText(content string) string {
	style := r.newStyle().Foreground(r.theme.Text)
	if r.boldCount > 0 {
		style = style.Bold(true)
	}
	if r.italicCount > 0 {
		style = style.Italic(true)
	}
	if r.strikethroughCount > 0 {
		style = style.Strikethrough(true)
	}
	return style.Render(content)
}

// renderInlineContent collects a node's children into a string,
// saving and restoring the inline buffer and style counters.
func (r *renderer) renderInlineContent(node ast.Node) string {
	savedInline := r.inline.String()
	savedBold, savedItalic, savedStrike := r.boldCount, r.italicCount, r.strikethroughCount

	r.inline.Reset()
	for child := node.FirstChild(); child != nil; child = child.NextSibling() {
		ast.Walk(child, r.walk)
	}
	result := r.inline.String()

	r.inline.Reset()
	r.inline.WriteString(savedInline)
	r.boldCount, r.italicCount, r.strikethroughCount = savedBold, savedItalic, savedStrike
	return result
}

func (r *renderer) highlightCode(code, language string) string {
	if language == "" {
		return r.newStyle().Foreground(r.theme.Faint).Render(code)
	}
	var buffer strings.Builder
	if err := quick.Highlight(&buffer, code, language, "terminal256", "monokai"); err != nil {
		return r.newStyle().Foreground(r.theme.Faint).Render(code)
	}
	return buffer.String()
}

func (r *renderer) walk(node ast.Node, entering bool) (ast.WalkStatus, error) {
	switch node.Kind() {

	case ast.KindDocument:

	case ast.KindParagraph, ast.KindTextBlock:
		if entering {
			r.inline.Reset()
		} else if flushed := r.flushInline(); flushed != "" {
			r.writeOutput(flushed)
			r.ensureNewline()
			if !r.inTightList() {
				r.ensureBlankLine()
			}
		}

	case ast.KindHeading:
		if entering {
			r.inline.Reset()
		} else {
			r.leaveHeading(node.(*ast.Heading))
		}

	case ast.KindFencedCodeBlock:
		if entering {
			r.renderFencedCodeBlock(node.(*ast.FencedCodeBlock))
			return ast.WalkSkipChildren, nil
		}

	case ast.KindCodeBlock:
		if entering {
			r.renderIndentedCodeBlock(node.(*ast.CodeBlock))
			return ast.WalkSkipChildren, nil
		}

	case ast.KindBlockquote:
		if entering {
			r.pushPrefix("│ ", 2)
		} else {
			r.popPrefix()
			r.ensureBlankLine()
		}

	case ast.KindList:
		if entering {
			r.enterList(node.(*ast.List))
		} else {
			r.leaveList()
		}

	case ast.KindListItem:
		if entering {
			r.enterListItem()
		} else {
			r.leaveListItem()
		}

	case ast.KindThematicBreak:
		if entering {
			r.renderThematicBreak()
		}

	case ast.KindText:
		if entering {
			r.handleText(node.(*ast.Text))
		}

	case ast.KindString:
		if entering {
			r.inline.WriteString(r.styledText(string(node.(*ast.String).Value)))
		}

	case ast.KindEmphasis:
		r.handleEmphasis(node.(*ast.Emphasis), entering)

	case ast.KindCodeSpan:
		if entering {
			r.renderCodeSpan(node)
			return ast.WalkSkipChildren, nil
		}

	case ast.KindLink:
		if entering {
			r.renderLink(node.(*ast.Link))
			return ast.WalkSkipChildren, nil
		}

	case ast.KindAutoLink:
		if entering {
			url := string(node.(*ast.AutoLink).URL(r.source))
			r.inline.WriteString(r.newStyle().Foreground(r.theme.Faint).Render(url))
		}

	case ast.KindImage:
		if entering {
			r.renderImage(node.(*ast.Image))
			return ast.WalkSkipChildren, nil
		}

	case extast.KindStrikethrough:
		if entering {
			r.strikethroughCount++
		} else {
			r.strikethroughCount--
		}

	case extast.KindTaskCheckBox:
		if entering {
			checkbox := node.(*extast.TaskCheckBox)
			if checkbox.IsChecked {
				style := r.newStyle().Foreground(r.theme.Checked)
				r.inline.WriteString(style.Render("[x]") + " ")
			} else {
				r.inline.WriteString(r.styledText("[ ] "))
			}
		}

	case extast.KindTable:
		if entering {
			r.renderTable(node)
			return ast.WalkSkipChildren, nil
		}
	}

	return ast.WalkContinue, nil
}

func (r *renderer) leaveHeading(heading *ast.Heading) {
	// The heading style replaces any inline styling collected so far.
	content := ansi.Strip(r.inline.String())
	r.inline.Reset()
	if content == "" {
		return
	}

	style := r.newStyle().Bold(true)
	if heading.Level <= 2 {
		style = style.Foreground(r.theme.Heading)
	} else {
		style = style.Foreground(r.theme.Text)
	}

	wrapped := ansi.Wrap(style.Render(content), r.currentWidth(), " ,.;-+|")
	r.ensureBlankLine()
	r.writeOutput(r.applyPrefixes(wrapped))
	r.ensureNewline()
	r.ensureBlankLine()
}

func (r *renderer) blockLines(lines *text.Segments) string {
	var content strings.Builder
	for index := 0; index < lines.Len(); index++ {
		segment := lines.At(index)
		content.Write(segment.Value(r.source))
	}
	return content.String()
}

func (r *renderer) renderFencedCodeBlock(node *ast.FencedCodeBlock) {
	language := string(node.Language(r.source))
	highlighted := r.highlightCode(r.blockLines(node.Lines()), language)

	r.ensureBlankLine()
	for _, line := range strings.Split(strings.TrimRight(highlighted, "\n"), "\n") {
		r.writeOutput(r.consumeLinePrefix() + line)
		r.ensureNewline()
	}
	r.ensureBlankLine()
}

func (r *renderer) renderIndentedCodeBlock(node *ast.CodeBlock) {
	faint := r.newStyle().Foreground(r.theme.Faint)
	r.ensureBlankLine()
	for _, line := range strings.Split(strings.TrimRight(r.blockLines(node.Lines()), "\n"), "\n") {
		r.writeOutput(r.consumeLinePrefix() + faint.Render(line))
		r.ensureNewline()
	}
	r.ensureBlankLine()
}

func (r *renderer) enterList(list *ast.List) {
	startNumber := 0
	if list.IsOrdered() {
		startNumber = list.Start
	}
	r.listStack = append(r.listStack, listState{
		ordered: list.IsOrdered(),
		counter: startNumber,
		tight:   list.IsTight,
	})
}

func (r *renderer) leaveList() {
	if len(r.listStack) > 0 {
		r.listStack = r.listStack[:len(r.listStack)-1]
	}
	if !r.inTightList() {
		r.ensureBlankLine()
	}
}

func (r *renderer) enterListItem() {
	if len(r.listStack) == 0 {
		return
	}
	top := &r.listStack[len(r.listStack)-1]

	var bullet string
	if top.ordered {
		bullet = fmt.Sprintf("%d. ", top.counter)
		top.counter++
	} else {
		bullet = "- "
	}

	bulletWidth := len(bullet) // ASCII, so byte length == visual width.
	r.pendingBullet = r.linePrefix + bullet
	r.pushPrefix(strings.Repeat(" ", bulletWidth), bulletWidth)
}

func (r *renderer) leaveListItem() {
	r.popPrefix()
	if !r.inTightList() {
		r.ensureBlankLine()
	} else {
		r.ensureNewline()
	}
}

func (r *renderer) renderThematicBreak() {
	rule := strings.Repeat("─", r.currentWidth())
	style := r.newStyle().Foreground(r.theme.Rule)
	r.ensureBlankLine()
	r.writeOutput(r.applyPrefixes(style.Render(rule)))
	r.ensureNewline()
	r.ensureBlankLine()
}

func (r *renderer) handleText(node *ast.Text) {
	value := string(node.Segment.Value(r.source))
	r.inline.WriteString(r.styledText(value))

	if node.SoftLineBreak() {
		// The reflow fix: soft breaks become spaces so hard-wrapped
		// source rewraps at the terminal's width, not the author's.
		r.inline.WriteString(" ")
	}
	if node.HardLineBreak() {
		r.inline.WriteString("\n")
	}
}

func (r *renderer) handleEmphasis(node *ast.Emphasis, entering bool) {
	if node.Level >= 2 {
		if entering {
			r.boldCount++
		} else {
			r.boldCount--
		}
	} else {
		if entering {
			r.italicCount++
		} else {
			r.italicCount--
		}
	}
}

func (r *renderer) renderCodeSpan(node ast.Node) {
	var code strings.Builder
	for child := node.FirstChild(); child != nil; child = child.NextSibling() {
		switch typed := child.(type) {
		case *ast.Text:
			code.Write(typed.Segment.Value(r.source))
		case *ast.String:
			code.Write(typed.Value)
		}
	}
	r.inline.WriteString(r.newStyle().Foreground(r.theme.Faint).Render(code.String()))
}

func (r *renderer) renderLink(node *ast.Link) {
	displayText := r.renderInlineContent(node)
	url := string(node.Destination)

	r.inline.WriteString(displayText)
	if url != "" {
		style := r.newStyle().Foreground(r.theme.Faint)
		r.inline.WriteString(" " + style.Render("("+url+")"))
	}
}

func (r *renderer) renderImage(node *ast.Image) {
	altText := r.renderInlineContent(node)
	url := string(node.Destination)
	faint := r.newStyle().Foreground(r.theme.Faint)
	r.inline.WriteString(faint.Render("[" + altText + "]"))
	if url != "" {
		r.inline.WriteString(" " + faint.Render("("+url+")"))
	}
}

// renderTable flattens a GFM table into aligned plain rows. Full box
// drawing is not worth the weight for the profile documents this
// package renders.
func (r *renderer) renderTable(node ast.Node) {
	var rows [][]string
	for child := node.FirstChild(); child != nil; child = child.NextSibling() {
		switch child.Kind() {
		case extast.KindTableHeader, extast.KindTableRow:
			var cells []string
			for cell := child.FirstChild(); cell != nil; cell = cell.NextSibling() {
				cells = append(cells, ansi.Strip(r.renderInlineContent(cell)))
			}
			rows = append(rows, cells)
		}
	}
	if len(rows) == 0 {
		return
	}

	widths := make([]int, 0)
	for _, row := range rows {
		for index, cell := range row {
			if index >= len(widths) {
				widths = append(widths, 0)
			}
			if w := ansi.StringWidth(cell); w > widths[index] {
				widths[index] = w
			}
		}
	}

	r.ensureBlankLine()
	for rowIndex, row := range rows {
		var line strings.Builder
		for index, cell := range row {
			padded := cell + strings.Repeat(" ", widths[index]-ansi.StringWidth(cell))
			if index > 0 {
				line.WriteString("  ")
			}
			if rowIndex == 0 {
				padded = r.newStyle().Bold(true).Foreground(r.theme.Text).Render(padded)
			} else {
				padded = r.newStyle().Foreground(r.theme.Text).Render(padded)
			}
			line.WriteString(padded)
		}
		r.writeOutput(r.applyPrefixes(strings.TrimRight(line.String(), " ")))
		r.ensureNewline()
	}
	r.ensureBlankLine()
}
