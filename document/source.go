package document

import (
	"bytes"

	"github.com/ledongthuc/pdf"
	"github.com/pkg/errors"
)

// PageSource gives page-level access to a parsed document. Pages are
// numbered from 1.
type PageSource interface {
	NumPage() int
	PageText(n int) (string, error)
}

// Opener parses raw bytes into a PageSource.
type Opener func(data []byte) (PageSource, error)

type pdfSource struct {
	r *pdf.Reader
}

// OpenPDF is the default Opener.
func OpenPDF(data []byte) (src PageSource, err error) {
	defer func() {
		if r := recover(); r != nil {
			src, err = nil, errors.Errorf("document: parsing pdf: %v", r)
		}
	}()
	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, errors.Wrap(err, "document: parsing pdf")
	}
	return &pdfSource{r: r}, nil
}

func (s *pdfSource) NumPage() int { return s.r.NumPage() }

func (s *pdfSource) PageText(n int) (string, error) {
	p := s.r.Page(n)
	if p.V.IsNull() {
		return "", errors.Errorf("document: page %d missing", n)
	}
	return p.GetPlainText(nil)
}
