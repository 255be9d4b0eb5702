// Package storage keeps uploaded PDFs on local disk.
package storage

import (
	"bufio"
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/sells-group/invoice-cli/internal/model"
)

// ErrNotPDF is returned (wrapped) when an upload is neither named .pdf nor
// starts with the PDF signature.
var ErrNotPDF = eris.New("storage: only PDF files are supported")

var pdfMagic = []byte("%PDF")

// Local stores files under one directory.
type Local struct {
	dir string
}

// NewLocal creates the directory if needed.
func NewLocal(dir string) (*Local, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, eris.Wrapf(err, "storage: create %s", dir)
	}
	return &Local{dir: dir}, nil
}

// Dir is the upload directory.
func (l *Local) Dir() string { return l.dir }

// Save writes r to a new file and returns an unsaved Document describing it.
// The document id is assigned here so that the stored name matches it.
func (l *Local) Save(filename string, r io.Reader) (*model.Document, error) {
	br := bufio.NewReader(r)
	head, _ := br.Peek(len(pdfMagic))
	name := filepath.Base(strings.TrimSpace(filename))
	if !strings.EqualFold(filepath.Ext(name), ".pdf") && !bytes.Equal(head, pdfMagic) {
		return nil, eris.Wrapf(ErrNotPDF, "%q", name)
	}

	id := uuid.New().String()
	path := filepath.Join(l.dir, id+".pdf")
	f, err := os.Create(path)
	if err != nil {
		return nil, eris.Wrap(err, "storage: create file")
	}

	n, err := io.Copy(f, br)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(path)
		return nil, eris.Wrap(err, "storage: write file")
	}
	if n == 0 {
		_ = os.Remove(path)
		return nil, eris.Wrapf(ErrNotPDF, "%q is empty", name)
	}

	return &model.Document{ID: id, Filename: name, StoredPath: path, SizeBytes: n}, nil
}

// Remove deletes a stored file. A missing file is not an error.
func (l *Local) Remove(doc *model.Document) error {
	if err := os.Remove(doc.StoredPath); err != nil && !os.IsNotExist(err) {
		return eris.Wrap(err, "storage: remove file")
	}
	return nil
}
