// Package archive unpacks the zip bundles returned by the download endpoint.
package archive

import (
	"archive/zip"
	"bytes"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
)

// maxEntrySize bounds a single decompressed entry.
const maxEntrySize = 32 << 20

var ErrNoXML = errors.New("archive contains no xml documents")

// Bundle holds the documents of one download. Invoice is empty when the
// archive carried only a signature or an error list.
type Bundle struct {
	Invoice      []byte
	InvoiceName  string
	Signature    []byte
	ErrorList    []byte
	ArchiveBytes int
}

// HasInvoice reports whether an invoice document was found.
func (b *Bundle) HasInvoice() bool {
	return len(b.Invoice) > 0
}

// Unpack classifies every .xml entry as signature, error list or invoice.
// The first entry of each kind wins.
func Unpack(data []byte) (*Bundle, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("failed to open archive: %w", err)
	}

	b := &Bundle{ArchiveBytes: len(data)}
	seen := 0
	for _, f := range zr.File {
		if f.FileInfo().IsDir() || !strings.EqualFold(path.Ext(f.Name), ".xml") {
			continue
		}
		content, err := readEntry(f)
		if err != nil {
			return nil, err
		}
		seen++

		switch classify(f.Name, content) {
		case kindSignature:
			if b.Signature == nil {
				b.Signature = content
			}
		case kindErrors:
			if b.ErrorList == nil {
				b.ErrorList = content
			}
		default:
			if b.Invoice == nil {
				b.Invoice = content
				b.InvoiceName = f.Name
			}
		}
	}

	if seen == 0 {
		return nil, ErrNoXML
	}
	return b, nil
}

type kind int

const (
	kindInvoice kind = iota
	kindSignature
	kindErrors
)

func classify(name string, content []byte) kind {
	lower := strings.ToLower(path.Base(name))
	switch {
	case bytes.Contains(content, []byte("ds:Signature")),
		strings.Contains(lower, "semnatura"),
		strings.Contains(lower, "signature"):
		return kindSignature
	case bytes.Contains(content, []byte("ErrorList")),
		strings.Contains(lower, "erori"),
		strings.Contains(lower, "errors"):
		return kindErrors
	}
	return kindInvoice
}

func readEntry(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", f.Name, err)
	}
	defer rc.Close()

	content, err := io.ReadAll(io.LimitReader(rc, maxEntrySize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", f.Name, err)
	}
	if len(content) > maxEntrySize {
		return nil, fmt.Errorf("entry %s exceeds %d bytes", f.Name, maxEntrySize)
	}
	return content, nil
}
