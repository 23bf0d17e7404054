package relay

import (
	"context"
	"testing"

	"github.com/mailgrove/mailgrove/db"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveDirectSubscribers(t *testing.T) {
	ann := broadcastList("ann", "ann@ex.com")
	store := newFakeStore(ann)
	store.subscribe("ann", "a@ex.com", "b@ex.com")

	recipients, err := NewResolver(store).Resolve(context.Background(), ann)
	require.NoError(t, err)
	require.Len(t, recipients, 2)
	assert.Equal(t, "a@ex.com", recipients[0].Email)
	assert.Equal(t, []string{SourceDirect}, recipients[0].Sources)
}

func TestResolveDeduplicatesCaseInsensitively(t *testing.T) {
	ann := broadcastList("ann", "ann@ex.com")
	store := newFakeStore(ann)
	store.subs["ann"] = []*db.Subscriber{
		{ListID: "ann", Email: "a@ex.com", Name: "First Seen", Type: db.SubscriberTypeNormal},
		{ListID: "ann", Email: "A@EX.COM", Name: "Second Seen", Type: db.SubscriberTypeNormal},
	}

	recipients, err := NewResolver(store).Resolve(context.Background(), ann)
	require.NoError(t, err)
	require.Len(t, recipients, 1)
	assert.Equal(t, "a@ex.com", recipients[0].Email)
	assert.Equal(t, "First Seen", recipients[0].Name)
}

func TestResolveNestedLists(t *testing.T) {
	parent := broadcastList("parent", "parent@ex.com")
	child := broadcastList("child", "child@ex.com")
	store := newFakeStore(parent, child)
	store.subscribe("parent", "a@ex.com", "child@ex.com")
	store.subscribe("child", "b@ex.com", "c@ex.com")

	recipients, err := NewResolver(store).Resolve(context.Background(), parent)
	require.NoError(t, err)

	emails := make([]string, 0, len(recipients))
	for _, r := range recipients {
		emails = append(emails, r.Email)
	}
	assert.Equal(t, []string{"a@ex.com", "b@ex.com", "c@ex.com"}, emails)

	// Contributed through the child list, not subscribed directly.
	assert.Equal(t, []string{"child"}, recipients[1].Sources)
	// The child list address itself is never a recipient.
	assert.NotContains(t, emails, "child@ex.com")
}

func TestResolveCircularListsTerminate(t *testing.T) {
	a := groupList("a", "a-list@ex.com")
	b := groupList("b", "b-list@ex.com")
	store := newFakeStore(a, b)
	store.subscribe("a", "one@ex.com", "b-list@ex.com")
	store.subscribe("b", "two@ex.com", "a-list@ex.com")

	recipients, err := NewResolver(store).Resolve(context.Background(), a)
	require.NoError(t, err)

	emails := make([]string, 0, len(recipients))
	for _, r := range recipients {
		emails = append(emails, r.Email)
	}
	assert.Equal(t, []string{"one@ex.com", "two@ex.com"}, emails)
}

func TestResolveSelfSubscribedList(t *testing.T) {
	ann := broadcastList("ann", "ann@ex.com")
	store := newFakeStore(ann)
	store.subscribe("ann", "a@ex.com", "ann@ex.com")

	recipients, err := NewResolver(store).Resolve(context.Background(), ann)
	require.NoError(t, err)
	require.Len(t, recipients, 1)
	assert.Equal(t, "a@ex.com", recipients[0].Email)
}

func TestResolveSkipsDanglingListSubscriber(t *testing.T) {
	ann := broadcastList("ann", "ann@ex.com")
	store := newFakeStore(ann)
	store.subs["ann"] = []*db.Subscriber{
		{ListID: "ann", Email: "gone@ex.com", Type: db.SubscriberTypeList},
		{ListID: "ann", Email: "kept@ex.com", Type: db.SubscriberTypeNormal},
	}

	recipients, err := NewResolver(store).Resolve(context.Background(), ann)
	require.NoError(t, err)
	require.Len(t, recipients, 1)
	assert.Equal(t, "kept@ex.com", recipients[0].Email)
}

func TestResolveSharedSubscriberAcrossLists(t *testing.T) {
	parent := broadcastList("parent", "parent@ex.com")
	child := broadcastList("child", "child@ex.com")
	store := newFakeStore(parent, child)
	store.subscribe("parent", "shared@ex.com", "child@ex.com")
	store.subscribe("child", "shared@ex.com")

	recipients, err := NewResolver(store).Resolve(context.Background(), parent)
	require.NoError(t, err)
	require.Len(t, recipients, 1)
	assert.Equal(t, []string{SourceDirect, "child"}, recipients[0].Sources)
}
