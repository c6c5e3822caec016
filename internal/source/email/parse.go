package email

import (
	"bytes"
	"io"
	"mime"
	"strings"

	_ "github.com/emersion/go-message/charset" // registers non-UTF-8 charsets
	"github.com/emersion/go-message/mail"

	"github.com/nhle/mailtriage/internal/model"
)

// ParseMessage decodes a raw RFC 5322 message. Header and body charsets are
// converted to UTF-8. Decoding problems never fail the parse: fields that
// cannot be decoded are left empty.
func ParseMessage(raw []byte) *model.Message {
	msg := &model.Message{}
	if len(raw) == 0 {
		return msg
	}

	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		return msg
	}
	defer mr.Close()

	if subject, err := mr.Header.Subject(); err == nil {
		msg.Subject = subject
	} else {
		msg.Subject = mr.Header.Get("Subject")
	}

	if from, err := mr.Header.AddressList("From"); err == nil && len(from) > 0 {
		msg.From = from[0].Address
	}

	msg.MessageIDHeader, _ = mr.Header.MessageID()
	msg.Body = firstPlainText(mr)

	return msg
}

// firstPlainText walks every leaf part and returns the first text/plain part
// that is not an attachment. It returns "" when there is none or when the
// structure cannot be read.
func firstPlainText(mr *mail.Reader) string {
	for {
		part, err := mr.NextPart()
		if err != nil {
			// io.EOF or a malformed structure; both end the walk.
			return ""
		}

		if isAttachment(part.Header) {
			continue
		}

		mediaType := "text/plain"
		if ct := part.Header.Get("Content-Type"); ct != "" {
			t, _, err := mime.ParseMediaType(ct)
			if err != nil {
				continue
			}
			mediaType = t
		}
		if mediaType != "text/plain" {
			continue
		}

		body, err := io.ReadAll(part.Body)
		if err != nil {
			return ""
		}
		return string(body)
	}
}

func isAttachment(h mail.PartHeader) bool {
	disp := h.Get("Content-Disposition")
	if disp == "" {
		return false
	}
	t, _, err := mime.ParseMediaType(disp)
	if err != nil {
		return strings.HasPrefix(strings.ToLower(strings.TrimSpace(disp)), "attachment")
	}
	return t == "attachment"
}
