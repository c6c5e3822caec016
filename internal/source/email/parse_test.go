package email

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func crlf(s string) []byte {
	return []byte(strings.ReplaceAll(s, "\n", "\r\n"))
}

func TestParseMessageSinglePart(t *testing.T) {
	raw := crlf(`From: Alice <alice@example.com>
To: triage@example.com
Subject: =?UTF-8?Q?Caf=C3=A9_order?=
Message-ID: <abc@example.com>
Content-Type: text/plain; charset=UTF-8

Please send the price list.
`)

	msg := ParseMessage(raw)

	assert.Equal(t, "alice@example.com", msg.From)
	assert.Equal(t, "Café order", msg.Subject)
	assert.Equal(t, "abc@example.com", msg.MessageIDHeader)
	assert.Equal(t, "Please send the price list.\r\n", msg.Body)
}

func TestParseMessageWithoutContentType(t *testing.T) {
	raw := crlf(`From: bob@example.com
Subject: hello

plain body
`)

	msg := ParseMessage(raw)

	assert.Equal(t, "bob@example.com", msg.From)
	assert.Equal(t, "plain body\r\n", msg.Body)
}

func TestParseMessageMultipartPicksFirstPlainPart(t *testing.T) {
	raw := crlf(`From: carol@example.com
Subject: bug report
MIME-Version: 1.0
Content-Type: multipart/mixed; boundary="outer"

--outer
Content-Type: text/plain; charset=UTF-8
Content-Disposition: attachment; filename="log.txt"

attached log, not the body
--outer
Content-Type: multipart/alternative; boundary="inner"

--inner
Content-Type: text/html; charset=UTF-8

<p>html body</p>
--inner
Content-Type: text/plain; charset=ISO-8859-1
Content-Transfer-Encoding: quoted-printable

The caf=E9 app crashes.
--inner--
--outer--
`)

	msg := ParseMessage(raw)

	assert.Equal(t, "bug report", msg.Subject)
	assert.Equal(t, "The café app crashes.", strings.TrimSpace(msg.Body))
}

func TestParseMessageHTMLOnlyYieldsEmptyBody(t *testing.T) {
	raw := crlf(`From: dave@example.com
Subject: newsletter
MIME-Version: 1.0
Content-Type: multipart/alternative; boundary="b"

--b
Content-Type: text/html; charset=UTF-8

<p>only html</p>
--b--
`)

	msg := ParseMessage(raw)

	assert.Equal(t, "dave@example.com", msg.From)
	assert.Equal(t, "", msg.Body)
}

func TestParseMessageGarbage(t *testing.T) {
	assert.Equal(t, "", ParseMessage(nil).Body)
	assert.NotPanics(t, func() { ParseMessage([]byte("\x00\x01 not a message")) })
}
