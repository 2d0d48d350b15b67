package oai

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/antchfx/xmlquery"
)

// Namespace is the OAI-PMH 2.0 response namespace.
const Namespace = "http://www.openarchives.org/OAI/2.0/"

// Error codes with special handling.
const (
	ErrNoRecordsMatch     = "noRecordsMatch"
	ErrBadResumptionToken = "badResumptionToken"
)

// Page is one parsed ListRecords response.
type Page struct {
	Records []Record

	// Token is the trimmed resumptionToken text; empty means the list is complete.
	Token string

	// ErrorCode and ErrorMessage are set when the response carries an error element.
	ErrorCode    string
	ErrorMessage string
}

// Record is one OAI record: header fields plus flattened metadata elements.
type Record struct {
	Identifier string
	Datestamp  string
	SetSpecs   []string
	Deleted    bool

	// Fields maps metadata element local names (title, creator, ...) to
	// their non-empty text values in document order.
	Fields map[string][]string
}

// First returns the first value of a metadata field, or "".
func (r Record) First(field string) string {
	if v := r.Fields[field]; len(v) > 0 {
		return v[0]
	}
	return ""
}

// ParsePage decodes a ListRecords response body.
func ParsePage(body []byte) (*Page, error) {
	doc, err := xmlquery.Parse(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse xml: %w", err)
	}
	root := documentElement(doc)
	if root == nil || root.Data != "OAI-PMH" {
		return nil, fmt.Errorf("missing OAI-PMH root element")
	}

	page := &Page{}
	if e := xmlquery.FindOne(root, "error"); e != nil {
		page.ErrorCode = e.SelectAttr("code")
		page.ErrorMessage = strings.TrimSpace(e.InnerText())
		if page.ErrorCode == "" {
			page.ErrorCode = "unknown"
		}
		return page, nil
	}

	list := xmlquery.FindOne(root, "ListRecords")
	if list == nil {
		return nil, fmt.Errorf("missing ListRecords element")
	}
	for _, n := range xmlquery.Find(list, "record") {
		page.Records = append(page.Records, parseRecord(n))
	}
	if t := xmlquery.FindOne(list, "resumptionToken"); t != nil {
		page.Token = strings.TrimSpace(t.InnerText())
	}
	return page, nil
}

func parseRecord(n *xmlquery.Node) Record {
	rec := Record{Fields: map[string][]string{}}
	if h := xmlquery.FindOne(n, "header"); h != nil {
		rec.Deleted = h.SelectAttr("status") == "deleted"
		for c := h.FirstChild; c != nil; c = c.NextSibling {
			if c.Type != xmlquery.ElementNode {
				continue
			}
			text := strings.TrimSpace(c.InnerText())
			switch c.Data {
			case "identifier":
				rec.Identifier = text
			case "datestamp":
				rec.Datestamp = text
			case "setSpec":
				if text != "" {
					rec.SetSpecs = append(rec.SetSpecs, text)
				}
			}
		}
	}
	if md := xmlquery.FindOne(n, "metadata"); md != nil {
		collectLeaves(md, rec.Fields)
	}
	return rec
}

// collectLeaves records every element without element children, keyed by
// local name, so oai_dc and similar flat formats map without a schema.
func collectLeaves(n *xmlquery.Node, into map[string][]string) {
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type != xmlquery.ElementNode {
			continue
		}
		if hasElementChild(c) {
			collectLeaves(c, into)
			continue
		}
		if text := strings.TrimSpace(c.InnerText()); text != "" {
			into[c.Data] = append(into[c.Data], text)
		}
	}
}

func documentElement(doc *xmlquery.Node) *xmlquery.Node {
	for c := doc.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == xmlquery.ElementNode {
			return c
		}
	}
	return nil
}

func hasElementChild(n *xmlquery.Node) bool {
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == xmlquery.ElementNode {
			return true
		}
	}
	return false
}
