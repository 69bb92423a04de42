// Package upload streams multipart form submissions to disk.
package upload

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/shineum/gmail-relay/internal/email"
)

// FileField is the only form field accepted as a file.
const FileField = "attachment"

const defaultMaxFieldSize = 1 << 20

var (
	// ErrTooLarge means the request body exceeded the configured limit.
	ErrTooLarge = errors.New("upload: request body too large")
	// ErrTooManyFiles means more than one file part was sent.
	ErrTooManyFiles = errors.New("upload: only one attachment is allowed")
	// ErrUnexpectedFile means a file was sent under a field other than FileField.
	ErrUnexpectedFile = errors.New("upload: unexpected file field")
	// ErrFieldTooLarge means a text field exceeded the per-field limit.
	ErrFieldTooLarge = errors.New("upload: form field too large")
	// ErrMalformed means the body could not be parsed as a form.
	ErrMalformed = errors.New("upload: malformed form body")
)

// StorageError reports a failure to write an attachment to disk.
type StorageError struct {
	Path string
	Err  error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("upload: failed to store %s: %v", e.Path, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// Stored describes an attachment written to disk.
type Stored struct {
	OriginalName string
	Path         string
	ContentType  string
	Size         int64
}

// Attachment returns the stored file as a message attachment.
func (s *Stored) Attachment() email.Attachment {
	return email.Attachment{
		Filename:    s.OriginalName,
		ContentType: s.ContentType,
		Path:        s.Path,
	}
}

// Remove deletes the stored file. Removing an already deleted file is not an
// error.
func (s *Stored) Remove() error {
	if err := os.Remove(s.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// Form is a parsed submission.
type Form struct {
	Fields map[string]string
	File   *Stored
}

// Value returns the named text field, or "" when absent.
func (f *Form) Value(name string) string {
	return f.Fields[name]
}

// Handler parses submissions and stores their attachment under Dir.
type Handler struct {
	Dir          string
	MaxSize      int64
	MaxFieldSize int64

	now func() time.Time
}

// New creates a Handler storing files in dir and limiting bodies to maxSize
// bytes.
func New(dir string, maxSize int64) *Handler {
	return &Handler{
		Dir:          dir,
		MaxSize:      maxSize,
		MaxFieldSize: defaultMaxFieldSize,
		now:          time.Now,
	}
}

// EnsureDir creates the upload directory if needed.
func (h *Handler) EnsureDir() error {
	if err := os.MkdirAll(h.Dir, 0755); err != nil {
		return &StorageError{Path: h.Dir, Err: err}
	}
	return nil
}

// Parse reads the request body. Multipart bodies are streamed: the attachment
// is fully written to disk before Parse returns. URL-encoded bodies are
// accepted for submissions without an attachment. On error nothing is left
// on disk.
func (h *Handler) Parse(w http.ResponseWriter, r *http.Request) (*Form, error) {
	r.Body = http.MaxBytesReader(w, r.Body, h.MaxSize)

	mediaType, params, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	switch mediaType {
	case "multipart/form-data":
		boundary := params["boundary"]
		if boundary == "" {
			return nil, fmt.Errorf("%w: missing multipart boundary", ErrMalformed)
		}
		return h.parseMultipart(multipart.NewReader(r.Body, boundary))
	case "application/x-www-form-urlencoded":
		if err := r.ParseForm(); err != nil {
			return nil, classifyReadError(err)
		}
		form := &Form{Fields: make(map[string]string, len(r.PostForm))}
		for k := range r.PostForm {
			form.Fields[k] = r.PostForm.Get(k)
		}
		return form, nil
	default:
		return nil, fmt.Errorf("%w: unsupported content type %q", ErrMalformed, mediaType)
	}
}

func (h *Handler) parseMultipart(mr *multipart.Reader) (_ *Form, err error) {
	form := &Form{Fields: make(map[string]string)}
	defer func() {
		if err != nil && form.File != nil {
			form.File.Remove()
		}
	}()

	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			return form, nil
		}
		if err != nil {
			return nil, classifyReadError(err)
		}

		if part.FileName() == "" {
			if part.FormName() == FileField {
				// Browsers send an empty part for an unselected file input.
				if _, err := io.Copy(io.Discard, part); err != nil {
					return nil, classifyReadError(err)
				}
				continue
			}
			value, err := h.readField(part)
			if err != nil {
				return nil, err
			}
			form.Fields[part.FormName()] = value
			continue
		}

		if part.FormName() != FileField {
			return nil, fmt.Errorf("%w: %q", ErrUnexpectedFile, part.FormName())
		}
		if form.File != nil {
			return nil, ErrTooManyFiles
		}

		stored, err := h.store(part)
		if err != nil {
			return nil, err
		}
		form.File = stored
	}
}

func (h *Handler) readField(part *multipart.Part) (string, error) {
	data, err := io.ReadAll(io.LimitReader(part, h.MaxFieldSize+1))
	if err != nil {
		return "", classifyReadError(err)
	}
	if int64(len(data)) > h.MaxFieldSize {
		return "", fmt.Errorf("%w: %q", ErrFieldTooLarge, part.FormName())
	}
	return string(data), nil
}

func (h *Handler) store(part *multipart.Part) (*Stored, error) {
	original := part.FileName()
	name := fmt.Sprintf("%d-%s-%s", h.now().UnixMilli(), uuid.NewString(), SanitizeFilename(original))
	path := filepath.Join(h.Dir, name)

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return nil, &StorageError{Path: path, Err: err}
	}

	tw := &trackingWriter{w: f}
	n, copyErr := io.Copy(tw, part)
	closeErr := f.Close()

	switch {
	case tw.err != nil:
		os.Remove(path)
		return nil, &StorageError{Path: path, Err: tw.err}
	case copyErr != nil:
		os.Remove(path)
		return nil, classifyReadError(copyErr)
	case closeErr != nil:
		os.Remove(path)
		return nil, &StorageError{Path: path, Err: closeErr}
	}

	contentType := part.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	return &Stored{
		OriginalName: original,
		Path:         path,
		ContentType:  contentType,
		Size:         n,
	}, nil
}

// trackingWriter remembers write errors so they can be told apart from read
// errors after io.Copy.
type trackingWriter struct {
	w   io.Writer
	err error
}

func (t *trackingWriter) Write(p []byte) (int, error) {
	n, err := t.w.Write(p)
	if err != nil {
		t.err = err
	}
	return n, err
}

func classifyReadError(err error) error {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return fmt.Errorf("%w: limit is %d bytes", ErrTooLarge, tooLarge.Limit)
	}
	return fmt.Errorf("%w: %v", ErrMalformed, err)
}
