package upstream

import "encoding/xml"

// Element is a generic node from the upstream feed's XML response. The feed
// has no fixed schema — each command returns a different element shape —
// so rather than one Go struct per command, a single recursive element type
// captures any tag with its attributes and children. encoding/xml is used
// because no XML library, first- or third-party, appears anywhere in the
// reference corpus (see DESIGN.md).
type Element struct {
	XMLName  xml.Name
	Attrs    []xml.Attr `xml:",any,attr"`
	Children []Element  `xml:",any"`
	CharData string     `xml:",chardata"`
}

// Attr returns the named attribute's value and whether it was present.
func (e Element) Attr(name string) (string, bool) {
	for _, a := range e.Attrs {
		if a.Name.Local == name {
			return a.Value, true
		}
	}
	return "", false
}

// AttrOr returns the named attribute's value, or fallback if absent.
func (e Element) AttrOr(name, fallback string) string {
	if v, ok := e.Attr(name); ok {
		return v
	}
	return fallback
}

// FindAll returns every descendant (including e itself) named tagName, in
// document order.
func (e Element) FindAll(tagName string) []Element {
	var out []Element
	var walk func(Element)
	walk = func(n Element) {
		if n.XMLName.Local == tagName {
			out = append(out, n)
		}
		for _, c := range n.Children {
			walk(c)
		}
	}
	walk(e)
	return out
}

// DirectChildren returns e's immediate children named tagName, without
// descending further. Use this instead of FindAll when the same tag name
// appears at more than one depth with different meanings (e.g. a route's
// own `<stop>` elements versus the tag-only `<stop>` references nested
// under its `<direction>` children).
func (e Element) DirectChildren(tagName string) []Element {
	var out []Element
	for _, c := range e.Children {
		if c.XMLName.Local == tagName {
			out = append(out, c)
		}
	}
	return out
}

// topLevelError looks for a direct "Error" child of the decoded body element
// and reports whether it is present, its shouldRetry attribute, and its
// message text.
func topLevelError(body Element) (present bool, shouldRetry bool, message string) {
	for _, c := range body.Children {
		if c.XMLName.Local != "Error" {
			continue
		}
		retry, _ := c.Attr("shouldRetry")
		return true, retry == "true", c.CharData
	}
	return false, false, ""
}
