package email

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/textproto"
	"strings"
	"time"
	"unicode/utf8"
)

// lineLength is the maximum encoded line length per RFC 2045.
const lineLength = 76

// maxWordBytes is the raw payload of one B encoded-word, sized so the word
// stays under 75 characters.
const maxWordBytes = 45

// Render returns msg as an RFC 5322 message.
func Render(msg *Email, now time.Time) ([]byte, error) {
	var buf bytes.Buffer
	if err := WriteTo(&buf, msg, now); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WriteTo writes msg as a MIME message. Messages without attachments are
// written as a single text/plain part; otherwise multipart/mixed is used.
// Attachment files are opened and closed one at a time.
func WriteTo(w io.Writer, msg *Email, now time.Time) error {
	var hdr strings.Builder

	fmt.Fprintf(&hdr, "From: %s\r\n", msg.From)
	if msg.ReplyTo != "" {
		fmt.Fprintf(&hdr, "Reply-To: %s\r\n", msg.ReplyTo)
	}
	if len(msg.To) > 0 {
		fmt.Fprintf(&hdr, "To: %s\r\n", strings.Join(msg.To, ", "))
	}
	hdr.WriteString(foldHeader("Subject", encodeHeaderValue(msg.Subject)))
	fmt.Fprintf(&hdr, "Date: %s\r\n", now.Format(time.RFC1123Z))
	if msg.MessageID != "" {
		fmt.Fprintf(&hdr, "Message-ID: %s\r\n", msg.MessageID)
	}
	hdr.WriteString("MIME-Version: 1.0\r\n")

	if len(msg.Attachments) == 0 {
		hdr.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
		hdr.WriteString("Content-Transfer-Encoding: quoted-printable\r\n\r\n")
		if _, err := io.WriteString(w, hdr.String()); err != nil {
			return fmt.Errorf("failed to write headers: %w", err)
		}
		if err := writeText(w, msg.TextBody); err != nil {
			return fmt.Errorf("failed to write body: %w", err)
		}
		return nil
	}

	writer := multipart.NewWriter(w)
	fmt.Fprintf(&hdr, "Content-Type: multipart/mixed; boundary=%q\r\n\r\n", writer.Boundary())
	if _, err := io.WriteString(w, hdr.String()); err != nil {
		return fmt.Errorf("failed to write headers: %w", err)
	}

	bodyHeader := make(textproto.MIMEHeader)
	bodyHeader.Set("Content-Type", "text/plain; charset=UTF-8")
	bodyHeader.Set("Content-Transfer-Encoding", "quoted-printable")
	part, err := writer.CreatePart(bodyHeader)
	if err != nil {
		return fmt.Errorf("failed to create body part: %w", err)
	}
	if err := writeText(part, msg.TextBody); err != nil {
		return fmt.Errorf("failed to write body part: %w", err)
	}

	for _, att := range msg.Attachments {
		if err := writeAttachment(writer, att); err != nil {
			return err
		}
	}

	if err := writer.Close(); err != nil {
		return fmt.Errorf("failed to close multipart writer: %w", err)
	}
	return nil
}

func writeAttachment(writer *multipart.Writer, att Attachment) error {
	contentType := att.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	attHeader := make(textproto.MIMEHeader)
	attHeader.Set("Content-Type", mime.FormatMediaType(contentType, map[string]string{"name": att.Filename}))
	attHeader.Set("Content-Transfer-Encoding", "base64")
	attHeader.Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": att.Filename}))

	part, err := writer.CreatePart(attHeader)
	if err != nil {
		return fmt.Errorf("failed to create attachment part: %w", err)
	}

	f, err := att.Open()
	if err != nil {
		return err
	}
	defer f.Close()

	lw := &lineWriter{w: part}
	enc := base64.NewEncoder(base64.StdEncoding, lw)
	if _, err := io.Copy(enc, f); err != nil {
		return fmt.Errorf("failed to encode attachment %q: %w", att.Filename, err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("failed to encode attachment %q: %w", att.Filename, err)
	}
	return nil
}

// lineWriter breaks a base64 stream into CRLF-terminated lines.
type lineWriter struct {
	w   io.Writer
	col int
}

func (l *lineWriter) Write(p []byte) (int, error) {
	written := 0
	for len(p) > 0 {
		n := lineLength - l.col
		if n > len(p) {
			n = len(p)
		}
		if _, err := l.w.Write(p[:n]); err != nil {
			return written, err
		}
		written += n
		l.col += n
		p = p[n:]
		if l.col == lineLength {
			if _, err := io.WriteString(l.w, "\r\n"); err != nil {
				return written, err
			}
			l.col = 0
		}
	}
	return written, nil
}

// writeText writes body quoted-printable encoded, so no line exceeds 76
// characters whatever the input.
func writeText(w io.Writer, body string) error {
	qp := quotedprintable.NewWriter(w)
	if _, err := io.WriteString(qp, normalizeNewlines(body)); err != nil {
		return err
	}
	return qp.Close()
}

// encodeHeaderValue returns v unchanged when it is printable ASCII made of
// words short enough to fold. Anything else becomes a run of B encoded-words.
func encodeHeaderValue(v string) string {
	plain := true
	for i := 0; i < len(v); i++ {
		if v[i] < 0x20 || v[i] > 0x7e {
			plain = false
			break
		}
	}
	if plain {
		for _, word := range strings.Split(v, " ") {
			if len(word) > lineLength-2 {
				plain = false
				break
			}
		}
	}
	if plain {
		return v
	}

	var words []string
	for len(v) > 0 {
		n := 0
		for n < len(v) {
			_, size := utf8.DecodeRuneInString(v[n:])
			if n+size > maxWordBytes {
				break
			}
			n += size
		}
		words = append(words, "=?UTF-8?b?"+base64.StdEncoding.EncodeToString([]byte(v[:n]))+"?=")
		v = v[n:]
	}
	return strings.Join(words, " ")
}

// foldHeader formats "name: value" and folds it at spaces so lines stay
// within 76 characters where the words allow.
func foldHeader(name, value string) string {
	var b strings.Builder
	b.WriteString(name)
	b.WriteString(":")
	col := len(name) + 1
	for _, word := range strings.Split(value, " ") {
		if col+1+len(word) > lineLength && col > len(name)+1 {
			b.WriteString("\r\n")
			col = 0
		}
		b.WriteString(" ")
		b.WriteString(word)
		col += 1 + len(word)
	}
	b.WriteString("\r\n")
	return b.String()
}

// normalizeNewlines converts bare LF line endings to CRLF.
func normalizeNewlines(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.ReplaceAll(s, "\n", "\r\n")
}
