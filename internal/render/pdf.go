package render

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"seehuhn.de/go/pdf"
	"seehuhn.de/go/pdf/pagetree"
)

// DefaultImageURL is the raster URL template; {page} is the 1-based page number.
const DefaultImageURL = "/pages/{page}.png"

// US Letter, used when a page has no usable MediaBox.
const (
	letterWidth  = 612.0
	letterHeight = 792.0
)

// PDFOpener parses PDFs in process with seehuhn.de/go/pdf. Page sizes come
// from each page's MediaBox, honouring /Rotate, multiplied by Scale.
type PDFOpener struct {
	Scale    float64
	ImageURL string
}

// NewPDFOpener returns an opener producing pages at scale.
func NewPDFOpener(scale float64, imageURL string) *PDFOpener {
	if scale <= 0 {
		scale = 1.5
	}
	if imageURL == "" {
		imageURL = DefaultImageURL
	}
	return &PDFOpener{Scale: scale, ImageURL: imageURL}
}

// Open implements Opener.
func (o *PDFOpener) Open(ctx context.Context, data []byte) (Document, error) {
	if err := Precheck(data); err != nil {
		return nil, err
	}

	r, err := pdf.NewReader(bytes.NewReader(data), nil)
	if err != nil {
		var auth *pdf.AuthenticationError
		if errors.As(err, &auth) {
			return nil, fmt.Errorf("%w: %v", ErrPasswordProtected, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrCorrupted, err)
	}
	defer r.Close()

	n, err := pagetree.NumPages(r)
	if err != nil {
		return nil, fmt.Errorf("%w: page tree: %v", ErrCorrupted, err)
	}
	if n == 0 {
		return nil, ErrNoPages
	}

	pages := make([]Page, 0, n)
	for i := 0; i < n; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		w, h, err := pageSize(r, i)
		if err != nil {
			return nil, fmt.Errorf("%w: page %d: %v", ErrCorrupted, i+1, err)
		}
		pages = append(pages, Page{
			PageNumber: i + 1,
			ImageURL:   strings.ReplaceAll(o.ImageURL, "{page}", strconv.Itoa(i+1)),
			Width:      w * o.Scale,
			Height:     h * o.Scale,
		})
	}
	return &pdfDocument{pages: pages}, nil
}

func pageSize(r *pdf.Reader, i int) (float64, float64, error) {
	_, dict, err := pagetree.GetPage(r, i)
	if err != nil {
		return 0, 0, err
	}

	w, h := letterWidth, letterHeight
	box, err := pdf.GetRectangle(r, dict["MediaBox"])
	if err != nil {
		return 0, 0, err
	}
	if box != nil && box.URx != box.LLx && box.URy != box.LLy {
		w, h = abs(box.URx-box.LLx), abs(box.URy-box.LLy)
	}

	if rot, ok := dict["Rotate"].(pdf.Integer); ok {
		if q := ((int(rot) % 360) + 360) % 360; q == 90 || q == 270 {
			w, h = h, w
		}
	}
	return w, h, nil
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

type pdfDocument struct {
	pages []Page
}

func (d *pdfDocument) NumPages() int { return len(d.pages) }

func (d *pdfDocument) RenderPage(ctx context.Context, pageNumber int) (Page, error) {
	if err := ctx.Err(); err != nil {
		return Page{}, err
	}
	if pageNumber < 1 || pageNumber > len(d.pages) {
		return Page{}, fmt.Errorf("page %d out of range 1..%d", pageNumber, len(d.pages))
	}
	return d.pages[pageNumber-1], nil
}

func (d *pdfDocument) Close() error { return nil }
