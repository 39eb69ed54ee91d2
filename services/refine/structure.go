// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package refine

import (
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// ExtractStructure summarizes the layout of an HTML document.
//
// # Description
//
// Walks the token stream once and collects:
//   - headings: {"level": 1..6, "text": "..."}
//   - sections: {"tag": "section|article|main|nav|aside|header|footer", "id": "..."}
//   - forms: {"action": "...", "method": "...", "fields": [names...]}
//
// The result uses []any and map[string]any throughout so it survives the
// wire codec unchanged. No entity extraction is attempted.
//
// # Inputs
//
//   - doc: HTML text. Malformed markup is tolerated.
//
// # Outputs
//
//   - map[string]any: Always has all three keys.
func ExtractStructure(doc string) map[string]any {
	headings := []any{}
	sections := []any{}
	forms := []any{}

	z := html.NewTokenizer(strings.NewReader(doc))

	var (
		headingLevel int64
		headingText  strings.Builder
		form         map[string]any
		fields       []any
	)

	for {
		tt := z.Next()
		if tt == html.ErrorToken {
			// io.EOF or a malformed tail.
			break
		}

		switch tt {
		case html.StartTagToken, html.SelfClosingTagToken:
			tok := z.Token()
			switch tok.DataAtom {
			case atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6:
				headingLevel = int64(tok.Data[1] - '0')
				headingText.Reset()
			case atom.Section, atom.Article, atom.Main, atom.Nav, atom.Aside, atom.Header, atom.Footer:
				sections = append(sections, map[string]any{
					"tag": tok.Data,
					"id":  attr(tok, "id"),
				})
			case atom.Form:
				form = map[string]any{
					"action": attr(tok, "action"),
					"method": strings.ToLower(attr(tok, "method")),
				}
				fields = []any{}
			case atom.Input, atom.Select, atom.Textarea, atom.Button:
				if form != nil {
					if name := attr(tok, "name"); name != "" {
						fields = append(fields, name)
					}
				}
			}

		case html.TextToken:
			if headingLevel > 0 {
				headingText.Write(z.Text())
			}

		case html.EndTagToken:
			tok := z.Token()
			switch tok.DataAtom {
			case atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6:
				if headingLevel > 0 {
					headings = append(headings, map[string]any{
						"level": headingLevel,
						"text":  strings.Join(strings.Fields(headingText.String()), " "),
					})
					headingLevel = 0
				}
			case atom.Form:
				if form != nil {
					form["fields"] = fields
					forms = append(forms, form)
					form = nil
				}
			}
		}
	}

	// An unclosed form still counts.
	if form != nil {
		form["fields"] = fields
		forms = append(forms, form)
	}

	return map[string]any{
		"headings": headings,
		"sections": sections,
		"forms":    forms,
	}
}

func attr(tok html.Token, key string) string {
	for _, a := range tok.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}
