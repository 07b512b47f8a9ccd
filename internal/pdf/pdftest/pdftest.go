// Package pdftest builds tiny PDF documents for tests.
package pdftest

import (
	"fmt"
	"strings"
)

// Letter is a US letter page in points.
var Letter = [2]int{612, 792}

// BlankPages builds a PDF with one blank page per MediaBox size (in points).
// The xref table is omitted; MuPDF rebuilds it on open.
func BlankPages(sizes ...[2]int) []byte {
	var b strings.Builder
	b.WriteString("%PDF-1.4\n")
	b.WriteString("1 0 obj<</Type/Catalog/Pages 2 0 R>>endobj\n")

	kids := make([]string, len(sizes))
	for i := range sizes {
		kids[i] = fmt.Sprintf("%d 0 R", i+3)
	}
	fmt.Fprintf(&b, "2 0 obj<</Type/Pages/Kids[%s]/Count %d>>endobj\n", strings.Join(kids, " "), len(sizes))

	for i, s := range sizes {
		fmt.Fprintf(&b, "%d 0 obj<</Type/Page/Parent 2 0 R/MediaBox[0 0 %d %d]>>endobj\n", i+3, s[0], s[1])
	}
	b.WriteString("trailer<</Root 1 0 R>>\n%%EOF\n")
	return []byte(b.String())
}

// Pages builds an n-page PDF of blank pages of the given size.
func Pages(n int, size [2]int) []byte {
	sizes := make([][2]int, n)
	for i := range sizes {
		sizes[i] = size
	}
	return BlankPages(sizes...)
}
