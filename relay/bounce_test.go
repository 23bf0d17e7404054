package relay

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func parse(t *testing.T, raw []byte) *Message {
	t.Helper()
	m, err := ParseIncoming(raw)
	require.NoError(t, err)
	return m
}

func TestDetectBounceEncodedRecipient(t *testing.T) {
	raw := rawMessage([]string{
		"From: mailer-daemon@remote.org",
		"To: ann+bounces--bob=example.com@ex.com",
		"Subject: Undelivered Mail Returned to Sender",
		"Message-ID: <dsn@remote.org>",
		"Original-Message-ID: <orig@lists.ex.com>",
	}, "delivery failed\r\n")

	info := DetectBounce(parse(t, raw))
	require.NotNil(t, info)
	assert.Equal(t, []string{"bob@example.com"}, info.Recipients)
	assert.Equal(t, []string{"orig@lists.ex.com"}, info.MessageIDs)
}

func TestDetectBounceEncodedRecipientWithPlus(t *testing.T) {
	raw := rawMessage([]string{
		"From: mailer-daemon@remote.org",
		"To: ann+bounces--bob---plus---tag=example.com@ex.com",
		"Message-ID: <dsn@remote.org>",
	}, "whatever\r\n")

	info := DetectBounce(parse(t, raw))
	require.NotNil(t, info)
	assert.Equal(t, []string{"bob+tag@example.com"}, info.Recipients)
}

// A provider can mangle the encoded recipient, dropping the embedded
// domain. The marker alone still makes it a bounce; such a message must
// never be forwarded to subscribers.
func TestDetectBounceMangledEncoding(t *testing.T) {
	raw := rawMessage([]string{
		"From: someone@remote.org",
		"To: ann+bounces--recipient@ex.com",
		"Subject: delivery report",
		"Message-ID: <dsn@remote.org>",
	}, "report body\r\n")

	info := DetectBounce(parse(t, raw))
	require.NotNil(t, info)
	assert.Equal(t, []string{"recipient"}, info.Recipients)
}

func TestDetectBounceDeliveryStatusPart(t *testing.T) {
	boundary := "bnd42"
	var b strings.Builder
	for _, h := range []string{
		"From: Mail Delivery System <mailer-daemon@mx.remote.org>",
		"To: ann@ex.com",
		"Subject: Mail delivery failed",
		"Message-ID: <report@mx.remote.org>",
		"Content-Type: multipart/report; report-type=delivery-status; boundary=" + boundary,
		"MIME-Version: 1.0",
	} {
		b.WriteString(h + "\r\n")
	}
	b.WriteString("\r\n")
	b.WriteString("--" + boundary + "\r\n")
	b.WriteString("Content-Type: text/plain\r\n\r\n")
	b.WriteString("This message could not be delivered.\r\n")
	b.WriteString("--" + boundary + "\r\n")
	b.WriteString("Content-Type: message/delivery-status\r\n\r\n")
	b.WriteString("Reporting-MTA: dns; mx.remote.org\r\n\r\n")
	b.WriteString("Final-Recipient: rfc822; carol@example.net\r\n")
	b.WriteString("Action: failed\r\n")
	b.WriteString("Status: 5.1.1\r\n")
	b.WriteString("--" + boundary + "\r\n")
	b.WriteString("Content-Type: text/rfc822-headers\r\n\r\n")
	b.WriteString("Message-ID: <original-send@lists.ex.com>\r\n")
	b.WriteString("Subject: the original\r\n")
	b.WriteString("--" + boundary + "--\r\n")

	info := DetectBounce(parse(t, []byte(b.String())))
	require.NotNil(t, info)
	assert.Equal(t, []string{"carol@example.net"}, info.Recipients)
	assert.Equal(t, []string{"original-send@lists.ex.com"}, info.MessageIDs)
}

func TestDetectBounceTextualHeuristic(t *testing.T) {
	raw := rawMessage([]string{
		"From: postmaster@mx.example.org",
		"To: ann@ex.com",
		"Subject: Delivery Status Notification (Failure)",
		"Message-ID: <gsmtp@mx.example.org>",
		"Content-Type: text/plain; charset=utf-8",
	}, "Delivery to the following recipients failed: dave@example.com\r\n")

	info := DetectBounce(parse(t, raw))
	require.NotNil(t, info)
	assert.Equal(t, []string{"dave@example.com"}, info.Recipients)
}

func TestDetectBounceHTMLOnly(t *testing.T) {
	raw := rawMessage([]string{
		"From: noreply@mx.example.org",
		"To: ann@ex.com",
		"Subject: report",
		"Message-ID: <h@mx.example.org>",
		"Content-Type: text/html; charset=utf-8",
	}, "<html><body><p>Mail delivery failed: erin@example.com could not be reached.</p></body></html>\r\n")

	info := DetectBounce(parse(t, raw))
	require.NotNil(t, info)
	assert.Equal(t, []string{"erin@example.com"}, info.Recipients)
}

func TestDetectBounceRegularMessage(t *testing.T) {
	tests := []struct {
		name string
		raw  []byte
	}{
		{
			name: "ordinary post",
			raw:  simplePost("alice@example.com", "ann@ex.com", "post-1@example.com"),
		},
		{
			name: "postmaster newsletter without failure text",
			raw: rawMessage([]string{
				"From: postmaster@example.com",
				"To: ann@ex.com",
				"Subject: scheduled maintenance",
				"Message-ID: <maint@example.com>",
			}, "The server will be down on Sunday.\r\n"),
		},
		{
			name: "post mentioning the word bounce",
			raw: rawMessage([]string{
				"From: alice@example.com",
				"To: ann@ex.com",
				"Subject: trampolines",
				"Message-ID: <tramp@example.com>",
			}, "The kids love to bounce around.\r\n"),
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Nil(t, DetectBounce(parse(t, tc.raw)))
		})
	}
}
