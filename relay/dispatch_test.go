package relay

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSendAllTallies(t *testing.T) {
	list := broadcastList("ann", "ann@ex.com")
	list.AvoidDuplicates = true
	fake := newFakeStore(list)

	m := parse(t, rawMessage([]string{
		"From: x@ex.com",
		"To: ann@ex.com, already@ex.com",
		"Subject: tallies",
		"Message-ID: <tally-1@ex.com>",
	}, "text\r\n"))

	composer := &Composer{InstanceDomain: "lists.ex.com"}
	dispatcher := NewDispatcher(composer, NewMessageStore(fake))
	sender := &fakeSender{fail: map[string]error{
		"broken@ex.com": &DeliveryError{Permanent: false, Err: assert.AnError},
	}}

	recipients := []Recipient{
		{Email: "a@ex.com"},
		{Email: "already@ex.com"},
		{Email: "broken@ex.com"},
	}
	result, err := dispatcher.SendAll(context.Background(), m, list, recipients, &AuthResult{}, sender)
	require.NoError(t, err)

	assert.Equal(t, []string{"a@ex.com"}, result.Succeeded)
	assert.Equal(t, []string{"broken@ex.com"}, result.Failed)
	assert.Equal(t, []string{"already@ex.com"}, result.Skipped)
	assert.NotEmpty(t, result.OutMessageID)
	assert.NotNil(t, result.SentCopy)

	require.Len(t, fake.outgoing, 1)
	assert.Equal(t, result.OutMessageID, fake.outgoing[0].MessageID)
	assert.Equal(t, "tally-1@ex.com", fake.outgoing[0].InMessageID)
}

func TestSendAllNoSuccessesRecordsNothing(t *testing.T) {
	list := broadcastList("ann", "ann@ex.com")
	fake := newFakeStore(list)
	m := parse(t, simplePost("x@ex.com", "ann@ex.com", "tally-2@ex.com"))

	composer := &Composer{InstanceDomain: "lists.ex.com"}
	dispatcher := NewDispatcher(composer, NewMessageStore(fake))
	sender := &fakeSender{fail: map[string]error{
		"a@ex.com": &DeliveryError{Permanent: true, Err: assert.AnError},
	}}

	result, err := dispatcher.SendAll(context.Background(), m, list, []Recipient{{Email: "a@ex.com"}}, &AuthResult{}, sender)
	require.NoError(t, err)
	assert.Empty(t, result.Succeeded)
	assert.Len(t, result.Failed, 1)
	assert.Empty(t, fake.outgoing)
}
