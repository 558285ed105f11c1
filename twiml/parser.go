// SPDX-License-Identifier: GPL-3.0-or-later

// Copyright (c) 2025 Spruce Health

package twiml

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"
)

// ErrMalformed is wrapped by every compile failure
var ErrMalformed = errors.New("malformed script")

var (
	newlines   = regexp.MustCompile(`[\r\n]`)
	afterClose = regexp.MustCompile(`>\s+`)
	beforeOpen = regexp.MustCompile(`\s+<`)
)

// Normalize strips line breaks and the whitespace around tags. Some script
// servers emit indented markup whose whitespace would otherwise leak into
// spoken text.
func Normalize(body []byte) []byte {
	out := newlines.ReplaceAll(body, nil)
	out = afterClose.ReplaceAll(out, []byte(">"))
	return beforeOpen.ReplaceAll(out, []byte("<"))
}

// Parse normalizes and compiles a script document
func Parse(data []byte) (*Script, error) {
	return Compile(Normalize(data))
}

// Compile turns the root element's children into a Next chain. Each element's
// own child elements become its Children chain. Unknown verbs compile as-is;
// rejecting them is the dispatcher's job.
func Compile(data []byte) (*Script, error) {
	decoder := xml.NewDecoder(bytes.NewReader(data))
	s := &Script{head: NoAction}

	for {
		token, err := decoder.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}

		if se, ok := token.(xml.StartElement); ok {
			head, _, err := compileChain(decoder, s, se.Name)
			if err != nil {
				return nil, err
			}
			if err := expectEnd(decoder); err != nil {
				return nil, err
			}
			s.head = head
			return s, nil
		}
	}

	return nil, fmt.Errorf("%w: no root element", ErrMalformed)
}

// expectEnd allows only whitespace, comments and processing instructions
// after the root element
func expectEnd(decoder *xml.Decoder) error {
	for {
		token, err := decoder.Token()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		switch t := token.(type) {
		case xml.CharData:
			if len(bytes.TrimSpace(t)) != 0 {
				return fmt.Errorf("%w: text after the root element", ErrMalformed)
			}
		case xml.Comment, xml.ProcInst:
		default:
			return fmt.Errorf("%w: content after the root element", ErrMalformed)
		}
	}
}

// compileChain consumes tokens up to the end of the element named end and
// returns the head of the chain built from its child elements along with its
// own text content.
func compileChain(decoder *xml.Decoder, s *Script, end xml.Name) (Handle, string, error) {
	head, prev := NoAction, NoAction
	var text strings.Builder

	for {
		token, err := decoder.Token()
		if err == io.EOF {
			return NoAction, "", fmt.Errorf("%w: unexpected end of document inside <%s>", ErrMalformed, end.Local)
		}
		if err != nil {
			return NoAction, "", fmt.Errorf("%w: %v", ErrMalformed, err)
		}

		switch t := token.(type) {
		case xml.StartElement:
			h := s.add(Action{
				Name:       Verb(t.Name.Local),
				Parameters: attrs(t.Attr),
				Next:       NoAction,
				Children:   NoAction,
			})
			children, value, err := compileChain(decoder, s, t.Name)
			if err != nil {
				return NoAction, "", err
			}
			s.actions[h].Children = children
			s.actions[h].Value = strings.TrimSpace(value)

			if prev == NoAction {
				head = h
			} else {
				s.actions[prev].Next = h
			}
			prev = h
		case xml.CharData:
			text.Write(t)
		case xml.EndElement:
			if t.Name.Local != end.Local {
				return NoAction, "", fmt.Errorf("%w: unexpected </%s> inside <%s>", ErrMalformed, t.Name.Local, end.Local)
			}
			return head, text.String(), nil
		}
	}
}

func attrs(in []xml.Attr) map[string]string {
	params := make(map[string]string, len(in))
	for _, attr := range in {
		params[attr.Name.Local] = attr.Value
	}
	return params
}
