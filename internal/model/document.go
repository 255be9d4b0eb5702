package model

import "time"

// Document is an uploaded PDF kept on local disk.
type Document struct {
	ID         string    `json:"id"`
	Filename   string    `json:"filename"`
	StoredPath string    `json:"stored_path"`
	SizeBytes  int64     `json:"size_bytes"`
	CreatedAt  time.Time `json:"created_at"`
}

// FileURL is the API path that serves the document inline.
func (d Document) FileURL() string {
	return "/api/documents/" + d.ID + "/file"
}
