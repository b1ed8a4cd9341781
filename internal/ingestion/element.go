package ingestion

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Element is a minimal DOM node for one record fragment. Names are stored
// upper-cased so lookups are case-insensitive.
type Element struct {
	Name     string
	Text     string
	Children []*Element
}

// Child returns the first direct child with any of the given names.
func (e *Element) Child(names ...string) *Element {
	for _, name := range names {
		name = strings.ToUpper(name)
		for _, c := range e.Children {
			if c.Name == name {
				return c
			}
		}
	}
	return nil
}

// ChildText returns the text of the first matching direct child, or "".
func (e *Element) ChildText(names ...string) string {
	if c := e.Child(names...); c != nil {
		return c.Text
	}
	return ""
}

// ChildrenNamed returns all direct children with the given name.
func (e *Element) ChildrenNamed(name string) []*Element {
	name = strings.ToUpper(name)
	var out []*Element
	for _, c := range e.Children {
		if c.Name == name {
			out = append(out, c)
		}
	}
	return out
}

// parseElement decodes a single record fragment into an Element tree.
func parseElement(fragment []byte) (*Element, error) {
	d := xml.NewDecoder(bytes.NewReader(fragment))
	d.Strict = true
	d.Entity = xml.HTMLEntity

	var (
		root  *Element
		stack []*Element
		texts []*strings.Builder
	)
	for {
		tok, err := d.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}

		switch t := tok.(type) {
		case xml.StartElement:
			el := &Element{Name: strings.ToUpper(t.Name.Local)}
			if len(stack) > 0 {
				parent := stack[len(stack)-1]
				parent.Children = append(parent.Children, el)
			} else if root == nil {
				root = el
			} else {
				return nil, fmt.Errorf("multiple root elements in fragment")
			}
			stack = append(stack, el)
			texts = append(texts, &strings.Builder{})
		case xml.CharData:
			if len(texts) > 0 {
				texts[len(texts)-1].Write(t)
			}
		case xml.EndElement:
			top := len(stack) - 1
			stack[top].Text = strings.TrimSpace(texts[top].String())
			stack = stack[:top]
			texts = texts[:top]
		}
	}

	if root == nil {
		return nil, fmt.Errorf("empty fragment")
	}
	if len(stack) > 0 {
		return nil, fmt.Errorf("unclosed element <%s>", stack[len(stack)-1].Name)
	}
	return root, nil
}
