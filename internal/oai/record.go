package oai

import (
	"net/url"
	"strings"

	"github.com/yangwenmai/repoharvest/internal/model"
)

// Repository is one OAI-PMH endpoint to harvest.
type Repository struct {
	// Name tags every item harvested from this endpoint.
	Name string `yaml:"name" validate:"required"`

	// BaseURL is the OAI request URL, e.g. https://host/oai/request.
	BaseURL string `yaml:"base_url" validate:"required,url"`

	// MetadataPrefix defaults to oai_dc.
	MetadataPrefix string `yaml:"metadata_prefix"`

	// Set restricts the harvest to one setSpec.
	Set string `yaml:"set"`

	// HandleBaseURL, when set, derives item page URLs from OAI identifiers
	// as {HandleBaseURL}/handle/{suffix}.
	HandleBaseURL string `yaml:"handle_base_url" validate:"omitempty,url"`

	// MaxRecords caps the records harvested per run. Zero means no cap.
	MaxRecords int `yaml:"max_records" validate:"gte=0"`
}

// Prefix returns the metadataPrefix to request.
func (r Repository) Prefix() string {
	if r.MetadataPrefix == "" {
		return "oai_dc"
	}
	return r.MetadataPrefix
}

// dcFields maps Dublin Core element names to metadata keys. Listed fields are
// kept as string lists; the rest keep their first value.
var dcFields = map[string]struct {
	key  string
	list bool
}{
	"title":       {"title", false},
	"creator":     {"authors", true},
	"contributor": {"contributors", true},
	"subject":     {"keywords", true},
	"description": {"abstract", false},
	"date":        {"publication_date", false},
	"type":        {"type", false},
	"language":    {"language", false},
	"publisher":   {"publisher", false},
	"format":      {"format", false},
	"rights":      {"rights", false},
	"identifier":  {"identifiers", true},
}

// Mapped is a record translated into item attributes.
type Mapped struct {
	Attrs       model.ItemAttrs
	ResourceURL string
}

// InitialStatus is AWAITING_DOWNLOAD when the record carried a direct
// resource URL, LINK_PENDING otherwise.
func (m Mapped) InitialStatus() model.Status {
	if m.ResourceURL != "" {
		return model.StatusAwaitingDownload
	}
	return model.StatusLinkPending
}

// MapRecord translates a record harvested from repo.
func MapRecord(repo Repository, rec Record) Mapped {
	md := model.Metadata{}
	for field, values := range rec.Fields {
		f, ok := dcFields[field]
		if !ok || len(values) == 0 {
			continue
		}
		if f.list {
			md.Set(f.key, model.List(values...))
		} else {
			md.Set(f.key, model.String(values[0]))
		}
	}
	if rec.Datestamp != "" {
		md.Set("datestamp", model.String(rec.Datestamp))
	}
	if len(rec.SetSpecs) > 0 {
		md.Set("sets", model.List(rec.SetSpecs...))
	}

	idents := rec.Fields["identifier"]
	if doi := FindDOI(idents); doi != "" {
		md.Set("doi", model.String(doi))
	}

	resource := ResourceURL(idents)
	page := PageURL(idents, resource)
	if page == "" {
		page = HandleURL(repo.HandleBaseURL, rec.Identifier)
	}

	m := Mapped{
		Attrs: model.ItemAttrs{
			OAIIdentifier: rec.Identifier,
			ItemPageURL:   page,
			DiscoveryMode: model.DiscoveryOAI,
			Source:        repo.Name,
			Metadata:      md,
		},
		ResourceURL: resource,
	}
	if resource != "" {
		m.Attrs.Resources = []model.Resource{{Type: model.FileTypePDF, URL: resource, Critical: true}}
	}
	return m
}

// ResourceURL picks a directly downloadable URL from identifier values. A
// file extension outranks a repository path segment; a bare http(s) URL is
// never taken as a resource.
func ResourceURL(idents []string) string {
	var bySegment string
	for _, id := range idents {
		u, ok := httpURL(id)
		if !ok {
			continue
		}
		path := strings.ToLower(u.Path)
		if strings.HasSuffix(path, ".pdf") {
			return id
		}
		if bySegment == "" && (strings.Contains(path, "/bitstream/") || strings.Contains(path, "/retrieve/")) {
			bySegment = id
		}
	}
	return bySegment
}

// PageURL picks the item landing page from identifier values, skipping the
// chosen resource URL. DSpace handle paths rank first, then any http(s) URL.
func PageURL(idents []string, resource string) string {
	var fallback string
	for _, pattern := range []string{"/handle/", "/jspui/", ".html"} {
		for _, id := range idents {
			if id == resource {
				continue
			}
			u, ok := httpURL(id)
			if !ok {
				continue
			}
			if strings.Contains(strings.ToLower(u.Path), pattern) {
				return id
			}
			if fallback == "" {
				fallback = id
			}
		}
	}
	return fallback
}

// HandleURL derives {base}/handle/{suffix} from an identifier such as
// oai:repositorio.inta.gob.ar:20.500.12123/10574. It returns "" when base is
// empty or the identifier has no oai:host:local form.
func HandleURL(base, identifier string) string {
	if base == "" {
		return ""
	}
	parts := strings.Split(identifier, ":")
	if len(parts) < 3 {
		return ""
	}
	handle := strings.Trim(parts[len(parts)-1], "/")
	if handle == "" {
		return ""
	}
	return strings.TrimRight(base, "/") + "/handle/" + handle
}

// FindDOI returns the first DOI among identifier values, lower-cased and
// without a doi: prefix.
func FindDOI(idents []string) string {
	for _, id := range idents {
		lower := strings.ToLower(strings.TrimSpace(id))
		switch {
		case strings.HasPrefix(lower, "doi:"):
			return strings.TrimSpace(strings.TrimPrefix(lower, "doi:"))
		case strings.HasPrefix(lower, "10.") && strings.Contains(lower, "/"):
			return lower
		case strings.Contains(lower, "doi.org/10."):
			return lower[strings.Index(lower, "doi.org/")+len("doi.org/"):]
		}
	}
	return ""
}

func httpURL(s string) (*url.URL, bool) {
	if !strings.HasPrefix(s, "http://") && !strings.HasPrefix(s, "https://") {
		return nil, false
	}
	u, err := url.Parse(s)
	if err != nil || u.Host == "" {
		return nil, false
	}
	return u, true
}
