// Package files expands user attachments into model-consumable form: text
// files are inlined, images become data for multimodal messages, PDFs have
// their text extracted, and anything else is noted by name and size.
package files

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"

	zeus "github.com/ovfarias/zeus"
)

// maxInlineBytes caps how much of a text attachment is inlined.
const maxInlineBytes = 64 * 1024

// maxPDFPages caps PDF text extraction.
const maxPDFPages = 50

// Expansion is the result of expanding a message's attachments.
type Expansion struct {
	// Context is the text block appended to the user message.
	Context string
	// Images carry image attachments for multimodal requests.
	Images []zeus.ImageData
}

// Expand decodes and renders attached files. Individual file problems are
// reported inline in the context block instead of failing the message.
func Expand(attachments []zeus.AttachedFile) Expansion {
	if len(attachments) == 0 {
		return Expansion{}
	}

	var b strings.Builder
	var images []zeus.ImageData

	for _, f := range attachments {
		data, err := decode(f)
		if err != nil {
			fmt.Fprintf(&b, "\n--- Arquivo: %s ---\n[não foi possível ler o arquivo: %v]\n", f.Name, err)
			continue
		}

		switch {
		case isImage(f, data):
			images = append(images, zeus.ImageData{
				MimeType: imageMime(f, data),
				Base64:   base64.StdEncoding.EncodeToString(data),
			})
			fmt.Fprintf(&b, "\n--- Arquivo: %s ---\n[imagem anexada]\n", f.Name)

		case isPDF(f, data):
			text, err := extractPDFText(data)
			if err != nil || strings.TrimSpace(text) == "" {
				fmt.Fprintf(&b, "\n--- Arquivo: %s ---\n[PDF sem texto extraível, %d bytes]\n", f.Name, len(data))
				continue
			}
			fmt.Fprintf(&b, "\n--- Arquivo: %s ---\n%s\n", f.Name, clip(text, maxInlineBytes))

		case isText(data):
			fmt.Fprintf(&b, "\n--- Arquivo: %s ---\n%s\n", f.Name, clip(string(data), maxInlineBytes))

		default:
			fmt.Fprintf(&b, "\n--- Arquivo: %s ---\n[arquivo binário, %d bytes]\n", f.Name, len(data))
		}
	}

	return Expansion{Context: b.String(), Images: images}
}

// BuildMessage appends the expansion context to the user's message. The
// returned string goes to the model; the original message is what gets
// persisted in the conversation.
func BuildMessage(userMessage string, exp Expansion) string {
	if exp.Context == "" {
		return userMessage
	}
	return userMessage + "\n" + exp.Context
}

// decode returns the raw bytes of an attachment. Content is base64 for
// binary uploads; raw text is passed through when it doesn't decode.
func decode(f zeus.AttachedFile) ([]byte, error) {
	if f.Content == "" {
		return nil, fmt.Errorf("conteúdo vazio")
	}
	if data, err := base64.StdEncoding.DecodeString(f.Content); err == nil {
		return data, nil
	}
	return []byte(f.Content), nil
}

func isImage(f zeus.AttachedFile, data []byte) bool {
	if strings.HasPrefix(f.Mime, "image/") {
		return true
	}
	return imageMimeFromMagic(data) != ""
}

func imageMime(f zeus.AttachedFile, data []byte) string {
	if strings.HasPrefix(f.Mime, "image/") {
		return f.Mime
	}
	return imageMimeFromMagic(data)
}

func imageMimeFromMagic(data []byte) string {
	switch {
	case bytes.HasPrefix(data, []byte("\x89PNG")):
		return "image/png"
	case bytes.HasPrefix(data, []byte("\xff\xd8\xff")):
		return "image/jpeg"
	case bytes.HasPrefix(data, []byte("GIF8")):
		return "image/gif"
	case len(data) > 11 && bytes.Equal(data[8:12], []byte("WEBP")):
		return "image/webp"
	default:
		return ""
	}
}

func isPDF(f zeus.AttachedFile, data []byte) bool {
	return f.Mime == "application/pdf" ||
		strings.HasSuffix(strings.ToLower(f.Name), ".pdf") ||
		bytes.HasPrefix(data, []byte("%PDF"))
}

// isText accepts valid UTF-8 without NUL bytes.
func isText(data []byte) bool {
	if len(data) == 0 {
		return false
	}
	if bytes.IndexByte(data, 0) >= 0 {
		return false
	}
	return utf8.Valid(data)
}

// extractPDFText pulls plain text from a PDF, page by page. The pdf library
// panics on some malformed inputs, so a recover turns that into an error.
func extractPDFText(data []byte) (text string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("parse pdf: %v", r)
		}
	}()

	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("open pdf: %w", err)
	}

	var b strings.Builder
	pages := reader.NumPage()
	if pages > maxPDFPages {
		pages = maxPDFPages
	}
	for i := 1; i <= pages; i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			continue
		}
		b.WriteString(text)
		b.WriteString("\n")
	}
	return b.String(), nil
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	// Cut on a rune boundary.
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "\n[conteúdo truncado]"
}
