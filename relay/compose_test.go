package relay

import (
	"testing"

	"github.com/mailgrove/mailgrove/db"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func composeOne(t *testing.T, m *Message, list *db.MailingList, auth *AuthResult, r Recipient) *Message {
	t.Helper()
	composer := &Composer{InstanceDomain: "lists.ex.com"}
	send, err := composer.NewListSend(m, list, auth)
	require.NoError(t, err)
	wire, ok, err := send.Compose(r)
	require.NoError(t, err)
	require.True(t, ok)
	out, err := ParseIncoming(wire)
	require.NoError(t, err)
	return out
}

func TestComposeBroadcastViaFrom(t *testing.T) {
	list := broadcastList("ann", "ann@ex.com")
	list.Name = "Announcements"
	m := parse(t, rawMessage([]string{
		"From: Alice <alice@example.com>",
		"To: ann@ex.com",
		"Subject: news",
		"Message-ID: <in-1@example.com>",
	}, "big news\r\n"))

	out := composeOne(t, m, list, &AuthResult{Status: db.StatusOK}, Recipient{Email: "b@ex.com", Name: "Bob"})

	require.NotNil(t, out.From)
	assert.Equal(t, "ann@ex.com", out.From.Address)
	assert.Equal(t, "Alice via Announcements", out.From.Name)

	replyTo, err := out.Header.AddressList("Reply-To")
	require.NoError(t, err)
	require.Len(t, replyTo, 1)
	assert.Equal(t, "alice@example.com", replyTo[0].Address)

	// The list address is gone from To; the recipient is addressed there.
	require.Len(t, out.To, 1)
	assert.Equal(t, "b@ex.com", out.To[0].Address)
	assert.Equal(t, "b@ex.com", out.Header.Get("X-Recipient"))
}

func TestComposeBroadcastFixedFrom(t *testing.T) {
	list := broadcastList("ann", "ann@ex.com")
	list.FromAddr = "newsdesk@ex.com"
	m := parse(t, simplePost("alice@example.com", "ann@ex.com", "in-2@example.com"))

	out := composeOne(t, m, list, &AuthResult{Status: db.StatusOK}, Recipient{Email: "b@ex.com"})

	require.NotNil(t, out.From)
	assert.Equal(t, "newsdesk@ex.com", out.From.Address)
	assert.Empty(t, out.Header.Get("Reply-To"))
}

func TestComposeGroupHeaders(t *testing.T) {
	list := groupList("grp", "grp@ex.com")
	list.Name = "Discussion"
	m := parse(t, rawMessage([]string{
		"From: Carol <carol@example.net>",
		"To: grp@ex.com, dave@example.org",
		"Subject: question",
		"Message-ID: <in-3@example.net>",
	}, "anyone?\r\n"))

	auth := &AuthResult{Status: db.StatusOK, SenderIsSubscriber: false}
	out := composeOne(t, m, list, auth, Recipient{Email: "member@ex.com"})

	require.NotNil(t, out.From)
	assert.Equal(t, "grp@ex.com", out.From.Address)
	assert.Equal(t, "Carol via Discussion", out.From.Name)
	assert.Equal(t, "carol@example.net", out.Header.Get("X-MailFrom"))

	replyTo, err := out.Header.AddressList("Reply-To")
	require.NoError(t, err)
	require.Len(t, replyTo, 2)
	assert.Equal(t, "carol@example.net", replyTo[0].Address)
	assert.Equal(t, "grp@ex.com", replyTo[1].Address)

	// Group mode keeps To intact and addresses recipients via the
	// envelope only.
	emails := make([]string, 0, len(out.To))
	for _, a := range out.To {
		emails = append(emails, a.Address)
	}
	assert.Equal(t, []string{"grp@ex.com", "dave@example.org"}, emails)
}

func TestComposeGroupReplyToForSubscriberSender(t *testing.T) {
	list := groupList("grp", "grp@ex.com")
	m := parse(t, simplePost("member@ex.com", "grp@ex.com", "in-4@ex.com"))

	auth := &AuthResult{Status: db.StatusOK, SenderIsSubscriber: true}
	out := composeOne(t, m, list, auth, Recipient{Email: "other@ex.com"})

	replyTo, err := out.Header.AddressList("Reply-To")
	require.NoError(t, err)
	require.Len(t, replyTo, 1)
	assert.Equal(t, "grp@ex.com", replyTo[0].Address)
}

func TestComposeCommonHeaders(t *testing.T) {
	list := broadcastList("ann", "ann@ex.com")
	list.Name = "Announcements"
	m := parse(t, rawMessage([]string{
		"From: alice@example.com",
		"To: ann@ex.com",
		"Subject: threading",
		"Message-ID: <in-5@example.com>",
		"References: <earlier@example.com>",
	}, "text\r\n"))

	composer := &Composer{InstanceDomain: "lists.ex.com"}
	send, err := composer.NewListSend(m, list, &AuthResult{Status: db.StatusOK})
	require.NoError(t, err)
	wire, ok, err := send.Compose(Recipient{Email: "b@ex.com"})
	require.NoError(t, err)
	require.True(t, ok)
	out, err := ParseIncoming(wire)
	require.NoError(t, err)

	assert.Equal(t, send.MessageID, out.MessageID)
	assert.Contains(t, out.MessageID, "@lists.ex.com")
	assert.NotEqual(t, "in-5@example.com", out.MessageID)

	assert.Equal(t, "<in-5@example.com>", out.Header.Get(HeaderOriginalMessageID))
	assert.Equal(t, "<in-5@example.com>", out.Header.Get("In-Reply-To"))

	refs, err := out.Header.MsgIDList("References")
	require.NoError(t, err)
	assert.Equal(t, []string{"earlier@example.com", "in-5@example.com"}, refs)

	assert.Equal(t, "Announcements <ann.ex.com>", out.Header.Get("List-Id"))
	assert.Equal(t, "ann@ex.com", out.Header.Get("Sender"))
	assert.Equal(t, "list", out.Header.Get("Precedence"))
	assert.Equal(t, "lists.ex.com", out.Header.Get(HeaderLoopMarker))
}

func TestComposeStripsAuthSuffix(t *testing.T) {
	list := groupList("grp", "grp@ex.com")
	list.SenderAuth = []string{"s3cret"}
	m := parse(t, simplePost("alice@example.com", "grp+s3cret@ex.com", "in-6@ex.com"))

	authorizer := &Authorizer{InstanceDomain: "lists.ex.com"}
	auth := authorizer.Authorize(m, list, nil)
	require.Equal(t, db.StatusOK, auth.Status)

	out := composeOne(t, m, list, auth, Recipient{Email: "member@ex.com"})
	for _, a := range out.To {
		assert.NotContains(t, a.Address, "s3cret")
	}
	assert.Equal(t, "grp@ex.com", out.To[0].Address)
}

func TestComposeAvoidDuplicates(t *testing.T) {
	list := broadcastList("ann", "ann@ex.com")
	list.AvoidDuplicates = true
	m := parse(t, rawMessage([]string{
		"From: alice@example.com",
		"To: ann@ex.com, b@ex.com",
		"Subject: already addressed",
		"Message-ID: <in-7@example.com>",
	}, "text\r\n"))

	composer := &Composer{InstanceDomain: "lists.ex.com"}
	send, err := composer.NewListSend(m, list, &AuthResult{Status: db.StatusOK})
	require.NoError(t, err)

	// b@ex.com is already on the original To line: deliberate no-send.
	_, ok, err := send.Compose(Recipient{Email: "b@ex.com"})
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = send.Compose(Recipient{Email: "c@ex.com"})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestComposeTemplateIsolation(t *testing.T) {
	list := broadcastList("ann", "ann@ex.com")
	m := parse(t, simplePost("alice@example.com", "ann@ex.com", "in-8@example.com"))

	composer := &Composer{InstanceDomain: "lists.ex.com"}
	send, err := composer.NewListSend(m, list, &AuthResult{Status: db.StatusOK})
	require.NoError(t, err)

	first, ok, err := send.Compose(Recipient{Email: "b@ex.com"})
	require.NoError(t, err)
	require.True(t, ok)
	second, ok, err := send.Compose(Recipient{Email: "c@ex.com"})
	require.NoError(t, err)
	require.True(t, ok)

	outFirst, err := ParseIncoming(first)
	require.NoError(t, err)
	outSecond, err := ParseIncoming(second)
	require.NoError(t, err)

	require.Len(t, outFirst.To, 1)
	assert.Equal(t, "b@ex.com", outFirst.To[0].Address)
	require.Len(t, outSecond.To, 1)
	assert.Equal(t, "c@ex.com", outSecond.To[0].Address)
	assert.Equal(t, outFirst.MessageID, outSecond.MessageID)
}

func TestComposeBodyPreservedVerbatim(t *testing.T) {
	list := broadcastList("ann", "ann@ex.com")
	body := "line one\r\nline two with trailing spaces   \r\n"
	m := parse(t, rawMessage([]string{
		"From: alice@example.com",
		"To: ann@ex.com",
		"Subject: body check",
		"Message-ID: <in-9@example.com>",
		"Content-Type: text/plain; charset=utf-8",
	}, body))

	composer := &Composer{InstanceDomain: "lists.ex.com"}
	send, err := composer.NewListSend(m, list, &AuthResult{Status: db.StatusOK})
	require.NoError(t, err)
	wire, ok, err := send.Compose(Recipient{Email: "b@ex.com"})
	require.NoError(t, err)
	require.True(t, ok)

	assert.True(t, len(wire) > len(body))
	assert.Equal(t, body, string(wire[len(wire)-len(body):]))
}
