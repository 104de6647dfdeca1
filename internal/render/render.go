// Package render turns PDF bytes into page descriptors for the viewer: page
// number, raster URL and pixel size at the render scale. Rasterisation itself
// is delegated; this package owns the loading pipeline and its failure modes.
package render

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"seehuhn.de/go/pdf"
)

// MinFileSize is the smallest byte count accepted as a PDF.
const MinFileSize = 64

// Page describes one rendered page.
type Page struct {
	PageNumber int     `json:"pageNumber"`
	ImageURL   string  `json:"imageUrl"`
	Width      float64 `json:"width"`
	Height     float64 `json:"height"`
}

// Document is an opened PDF.
type Document interface {
	NumPages() int
	RenderPage(ctx context.Context, pageNumber int) (Page, error)
	Close() error
}

// Opener parses PDF bytes into a Document.
type Opener interface {
	Open(ctx context.Context, data []byte) (Document, error)
}

var (
	ErrEmptyFile         = errors.New("file is empty")
	ErrTooSmall          = errors.New("file is too small to be a PDF")
	ErrInvalidSignature  = errors.New("file does not start with a PDF signature")
	ErrCorrupted         = errors.New("file is not a readable PDF")
	ErrNoPages           = errors.New("document has no pages")
	ErrPasswordProtected = errors.New("document is password protected")
	ErrWorkerUnavailable = errors.New("render worker unavailable")
)

// TimeoutError reports an operation abandoned after its deadline.
type TimeoutError struct {
	Op    string
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %s", e.Op, e.After)
}

// Precheck rejects input that cannot be a PDF before any parsing.
func Precheck(data []byte) error {
	switch {
	case len(data) == 0:
		return ErrEmptyFile
	case len(data) < MinFileSize:
		return ErrTooSmall
	case !bytes.HasPrefix(data, []byte("%PDF-")):
		return ErrInvalidSignature
	}
	return nil
}

// Category is a user-facing class of load failure.
type Category int

const (
	Unknown Category = iota
	Corrupted
	PasswordProtected
	MissingContent
	Timeout
	WorkerConfig
)

func (c Category) String() string {
	switch c {
	case Corrupted:
		return "corrupted"
	case PasswordProtected:
		return "password-protected"
	case MissingContent:
		return "missing-content"
	case Timeout:
		return "timeout"
	case WorkerConfig:
		return "worker-config"
	}
	return "unknown"
}

// Message is the text shown in the viewer's error panel.
func (c Category) Message() string {
	switch c {
	case Corrupted:
		return "The PDF file appears to be corrupted or is not a valid PDF."
	case PasswordProtected:
		return "This PDF is password protected and cannot be displayed."
	case MissingContent:
		return "The PDF file is empty or has no pages."
	case Timeout:
		return "Loading the PDF took too long. Please try again."
	case WorkerConfig:
		return "The PDF renderer is not available. Please try again later."
	}
	return "The document could not be loaded."
}

// Classify maps a load error to its category.
func Classify(err error) Category {
	if err == nil {
		return Unknown
	}

	var timeout *TimeoutError
	var malformed *pdf.MalformedFileError
	var auth *pdf.AuthenticationError

	switch {
	case errors.As(err, &timeout), errors.Is(err, context.DeadlineExceeded):
		return Timeout
	case errors.Is(err, ErrPasswordProtected), errors.As(err, &auth):
		return PasswordProtected
	case errors.Is(err, ErrEmptyFile), errors.Is(err, ErrNoPages):
		return MissingContent
	case errors.Is(err, ErrTooSmall), errors.Is(err, ErrInvalidSignature),
		errors.Is(err, ErrCorrupted), errors.As(err, &malformed):
		return Corrupted
	case errors.Is(err, ErrWorkerUnavailable):
		return WorkerConfig
	}
	return Unknown
}
