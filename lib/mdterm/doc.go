// Copyright 2026 The Weft Authors
// SPDX-License-Identifier: Apache-2.0

// Package mdterm renders markdown as styled ANSI terminal text. It
// walks the goldmark AST directly rather than using goldmark's
// renderer interface: terminal output needs accumulate-then-wrap
// semantics, where a paragraph's inline content collects in a buffer
// and word-wraps as a unit when the paragraph closes. Soft line breaks
// become spaces so hard-wrapped source reflows at any width.
package mdterm
