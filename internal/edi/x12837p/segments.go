// Package x12837p serializes claims into a simplified EDI 837 Professional
// transaction. The output is a fixed-shape segment sequence sufficient for
// the sandbox clearinghouse, not full ANSI X12 compliance.
package x12837p

import "strings"

// Wire format constants.
const (
	ElementSeparator  = "*"
	SegmentTerminator = "~"
)

// Segment is one EDI segment: a tag followed by ordered element strings.
type Segment struct {
	Tag      string
	Elements []string
}

// seg builds a segment.
func seg(tag string, elements ...string) Segment {
	return Segment{Tag: tag, Elements: elements}
}

// String renders the segment with its elements joined by the element
// separator and the terminator appended.
func (s Segment) String() string {
	var b strings.Builder
	b.WriteString(s.Tag)
	for _, el := range s.Elements {
		b.WriteString(ElementSeparator)
		b.WriteString(el)
	}
	b.WriteString(SegmentTerminator)
	return b.String()
}

// render joins segments, one per line.
func render(segments []Segment) string {
	var b strings.Builder
	for _, s := range segments {
		b.WriteString(s.String())
		b.WriteString("\n")
	}
	return b.String()
}

// padRight pads a value with spaces to the fixed width ISA elements require,
// truncating anything longer.
func padRight(v string, width int) string {
	if len(v) >= width {
		return v[:width]
	}
	return v + strings.Repeat(" ", width-len(v))
}
