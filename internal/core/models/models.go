package models

import "time"

// Registry is the full registry document, keyed by extension name. It is
// the shape persisted by every storage backend.
type Registry map[string]*Entry

// Entry is the record for one published extension.
type Entry struct {
	Metadata       Metadata         `json:"metadata"`
	Owner          string           `json:"owner"`
	Versions       []VersionRecord  `json:"versions"`
	TotalDownloads int64            `json:"totalDownloads,omitempty"`
	Recent         map[string]int64 `json:"recent,omitempty"`
}

// VersionRecord is one uploaded release of an entry. Records are appended
// in upload order, oldest first.
type VersionRecord struct {
	Version   string    `json:"version"`
	Published time.Time `json:"published"`
	Brackets  string    `json:"brackets,omitempty"`
	Downloads int64     `json:"downloads,omitempty"`
}

// Metadata is the package.json-derived description of an extension. It is
// replaced wholesale on each new version.
type Metadata struct {
	Name        string   `json:"name"`
	Version     string   `json:"version"`
	Title       string   `json:"title,omitempty"`
	Description string   `json:"description,omitempty"`
	Author      string   `json:"author,omitempty"`
	Homepage    string   `json:"homepage,omitempty"`
	License     string   `json:"license,omitempty"`
	Keywords    []string `json:"keywords,omitempty"`
	Engines     *Engines `json:"engines,omitempty"`
}

// Engines carries the host-compatibility range from package.json.
type Engines struct {
	Brackets string `json:"brackets,omitempty"`
}

// Clone returns a structural deep copy of the registry document.
func (r Registry) Clone() Registry {
	if r == nil {
		return nil
	}
	out := make(Registry, len(r))
	for name, entry := range r {
		out[name] = entry.Clone()
	}
	return out
}

// Clone returns a structural deep copy of the entry.
func (e *Entry) Clone() *Entry {
	if e == nil {
		return nil
	}
	out := &Entry{
		Metadata:       e.Metadata.clone(),
		Owner:          e.Owner,
		TotalDownloads: e.TotalDownloads,
	}
	if e.Versions != nil {
		out.Versions = make([]VersionRecord, len(e.Versions))
		copy(out.Versions, e.Versions)
	}
	if e.Recent != nil {
		out.Recent = make(map[string]int64, len(e.Recent))
		for k, v := range e.Recent {
			out.Recent[k] = v
		}
	}
	return out
}

func (m Metadata) clone() Metadata {
	out := m
	if m.Keywords != nil {
		out.Keywords = make([]string, len(m.Keywords))
		copy(out.Keywords, m.Keywords)
	}
	if m.Engines != nil {
		engines := *m.Engines
		out.Engines = &engines
	}
	return out
}

// DownloadStats maps extension names to counts extracted from access logs.
type DownloadStats map[string]*ExtensionStats

// ExtensionStats holds the download counts for one extension.
type ExtensionStats struct {
	Downloads DownloadCounts `json:"downloads"`
}

// DownloadCounts splits download counts per version and per calendar date.
// Date keys use the compact YYYYMMDD form.
type DownloadCounts struct {
	Versions map[string]int64 `json:"versions,omitempty"`
	Recent   map[string]int64 `json:"recent,omitempty"`
}

// RecentStats is the trailing-window report produced for upload.
type RecentStats struct {
	StartDate  string                       `json:"startDate"`
	EndDate    string                       `json:"endDate"`
	Extensions []map[string]*ExtensionStats `json:"extensions"`
}

// ErrorResponse is the JSON error body returned by the HTTP layer.
type ErrorResponse struct {
	Error   string     `json:"error"`
	Code    int        `json:"code"`
	Message string     `json:"message,omitempty"`
	Errors  [][]string `json:"errors,omitempty"`
}
