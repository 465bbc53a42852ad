package decompose

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dhcgn/mailnorm/model"
)

func crlf(s string) []byte {
	return []byte(strings.ReplaceAll(s, "\n", "\r\n"))
}

const mixedMessage = `From: "Newsletter Team" <news@example.com>
To: =?UTF-8?Q?J=C3=B6rg?= <jorg@example.com>
Date: Mon, 1 Jan 2024 10:00:00 +0000
Subject: =?UTF-8?Q?Caf=C3=A9_weekly?=
MIME-Version: 1.0
Content-Type: multipart/mixed; boundary="outer"

--outer
Content-Type: multipart/alternative; boundary="inner"

--inner
Content-Type: text/plain; charset=utf-8

Hello
--inner
Content-Type: text/html; charset=utf-8

<p>Hello</p>
--inner--
--outer
Content-Type: text/plain; charset=utf-8

Second
--outer
Content-Type: application/pdf; name="report.pdf"
Content-Disposition: attachment; filename="report.pdf"
Content-Transfer-Encoding: base64

JVBERi0xLjQK
--outer
Content-Type: text/plain; charset=utf-8
Content-Disposition: attachment; filename="notes.txt"

attached notes
--outer
Content-Type: application/octet-stream
Content-Disposition: attachment

AAAA
--outer--
`

func TestDecompose_MixedMessage(t *testing.T) {
	res, err := New(nil).Decompose(crlf(mixedMessage))
	require.NoError(t, err)

	assert.Equal(t, "Newsletter Team <news@example.com>", res.Metadata.Sender)
	assert.Equal(t, "Jörg <jorg@example.com>", res.Metadata.Recipient)
	assert.Equal(t, "Mon, 1 Jan 2024 10:00:00 +0000", res.Metadata.Date)
	assert.Equal(t, "Café weekly", res.Metadata.Subject)

	kinds := make([]model.PartKind, 0, len(res.Parts))
	for _, p := range res.Parts {
		kinds = append(kinds, p.Kind)
	}
	assert.Equal(t, []model.PartKind{
		model.PartText,
		model.PartHTML,
		model.PartText,
		model.PartAttachment,
		model.PartAttachment,
		model.PartAttachment,
	}, kinds)

	assert.Equal(t, []string{"Hello", "Second"}, trimAll(res.Parts.Texts()))
	assert.Equal(t, []string{"<p>Hello</p>"}, trimAll(res.Parts.HTMLs()))

	atts := res.Parts.Attachments()
	require.Len(t, atts, 3)
	assert.Equal(t, "report.pdf", atts[0].Filename)
	assert.Equal(t, "application/pdf", atts[0].ContentType)
	assert.Equal(t, []byte("%PDF-1.4\n"), atts[0].Data)
	assert.Equal(t, 0, atts[0].Index)

	assert.Equal(t, "notes.txt", atts[1].Filename, "disposition attachment wins over text/plain")
	assert.Equal(t, 1, atts[1].Index)

	assert.Equal(t, "part-2", atts[2].Filename)
}

func TestDecompose_SinglePartMessage(t *testing.T) {
	raw := crlf(`From: sender@example.com
To: recipient@example.com
Subject: Plain
Content-Type: text/plain; charset=utf-8

Just text.
`)
	res, err := New(nil).Decompose(raw)
	require.NoError(t, err)

	assert.Equal(t, "sender@example.com", res.Metadata.Sender)
	assert.Equal(t, "recipient@example.com", res.Metadata.Recipient)
	assert.Empty(t, res.Metadata.Date)
	require.Len(t, res.Parts, 1)
	assert.Equal(t, model.PartText, res.Parts[0].Kind)
	assert.Contains(t, res.Parts[0].Content, "Just text.")
}

func TestDecompose_UnknownCharsetFallsBack(t *testing.T) {
	raw := append(crlf("From: sender@example.com\nSubject: Charset\nContent-Type: text/plain; charset=x-no-such-charset\n\n"), []byte("caf\xe9")...)

	res, err := New(nil).Decompose(raw)
	require.NoError(t, err)
	require.Len(t, res.Parts, 1)
	assert.Equal(t, "café", res.Parts[0].Content)
}

func TestDecompose_Windows1252(t *testing.T) {
	raw := append(crlf("From: sender@example.com\nSubject: Quotes\nContent-Type: text/plain; charset=windows-1252\n\n"), []byte("\x93quoted\x94")...)

	res, err := New(nil).Decompose(raw)
	require.NoError(t, err)
	require.Len(t, res.Parts, 1)
	assert.Equal(t, "“quoted”", res.Parts[0].Content)
}

func TestDecompose_SenderFallsBackToRawHeader(t *testing.T) {
	raw := crlf(`From: not an address
Subject: Odd sender
Content-Type: text/plain

body
`)
	res, err := New(nil).Decompose(raw)
	require.NoError(t, err)
	assert.Equal(t, "not an address", res.Metadata.Sender)
}

func TestDecompose_EmptyMessage(t *testing.T) {
	_, err := New(nil).Decompose([]byte("  \r\n"))
	require.Error(t, err)

	var decodeErr *DecodeError
	require.True(t, errors.As(err, &decodeErr))
	assert.ErrorIs(t, err, ErrEmptyMessage)
}

func TestDecodeText(t *testing.T) {
	tests := []struct {
		name  string
		input []byte
		want  string
	}{
		{name: "utf-8", input: []byte("Grüße"), want: "Grüße"},
		{name: "latin-1 bytes", input: []byte("Gr\xfc\xdfe"), want: "Grüße"},
		{name: "empty", input: nil, want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, decodeText(tt.input))
		})
	}
}

func trimAll(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = strings.TrimSpace(s)
	}
	return out
}
