package sender

import (
	"bytes"
	"errors"
	"fmt"
	"mime"
	"mime/multipart"
	"net/mail"
	"net/textproto"
	"strings"
	"time"

	"github.com/segmentio/ksuid"

	"bikenotify/internal/delivery"
)

var ErrBadRecipient = errors.New("invalid recipient address")

// parseRecipient accepts a bare address or "Name <addr>".
func parseRecipient(s string) (*mail.Address, error) {
	a, err := mail.ParseAddress(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("%w %q: %v", ErrBadRecipient, s, err)
	}
	return a, nil
}

func newMessageID(domain string) delivery.MessageID {
	if domain == "" {
		domain = "localhost"
	}
	return delivery.MessageID(fmt.Sprintf("<%s@%s>", ksuid.New().String(), domain))
}

func domainOf(addr string) string {
	if i := strings.LastIndexByte(addr, '@'); i >= 0 {
		return addr[i+1:]
	}
	return ""
}

// compose renders an RFC 5322 message. With HTML present the body is
// multipart/alternative with the text part first.
func compose(from, to *mail.Address, id delivery.MessageID, at time.Time, p delivery.Payload) ([]byte, error) {
	var buf bytes.Buffer
	h := func(k, v string) { fmt.Fprintf(&buf, "%s: %s\r\n", k, v) }
	h("From", from.String())
	h("To", to.String())
	h("Subject", mime.QEncoding.Encode("utf-8", p.Subject))
	h("Date", at.Format(time.RFC1123Z))
	h("Message-ID", string(id))
	h("MIME-Version", "1.0")

	if p.HTML == "" {
		h("Content-Type", `text/plain; charset="utf-8"`)
		h("Content-Transfer-Encoding", "8bit")
		buf.WriteString("\r\n")
		buf.WriteString(crlf(p.Text))
		return buf.Bytes(), nil
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for _, part := range []struct{ ctype, content string }{
		{`text/plain; charset="utf-8"`, p.Text},
		{`text/html; charset="utf-8"`, p.HTML},
	} {
		w, err := mw.CreatePart(textproto.MIMEHeader{
			"Content-Type":              {part.ctype},
			"Content-Transfer-Encoding": {"8bit"},
		})
		if err != nil {
			return nil, err
		}
		if _, err := w.Write([]byte(crlf(part.content))); err != nil {
			return nil, err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}
	h("Content-Type", fmt.Sprintf(`multipart/alternative; boundary="%s"`, mw.Boundary()))
	buf.WriteString("\r\n")
	buf.Write(body.Bytes())
	return buf.Bytes(), nil
}

func crlf(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.ReplaceAll(s, "\n", "\r\n")
}
