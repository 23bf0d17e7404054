package relay

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/mailgrove/mailgrove/consts"
	"github.com/mailgrove/mailgrove/db"
	"github.com/mailgrove/mailgrove/logger"
	"github.com/mailgrove/mailgrove/pkg/metrics"
)

// ListStore is the configuration read surface the engine needs: list and
// subscriber records supplied by the management collaborator.
type ListStore interface {
	GetActiveMailingListByAddress(ctx context.Context, address string) (*db.MailingList, error)
	GetSubscribers(ctx context.Context, listID string) ([]*db.Subscriber, error)
}

// SourceDirect marks a recipient subscribed to the list itself rather than
// contributed through a nested list.
const SourceDirect = "direct"

// Recipient is one resolved delivery target. Metadata is first-seen: when
// the same address reaches the set through several paths, the name of the
// first occurrence wins and every contributing source is recorded.
type Recipient struct {
	Email   string
	Name    string
	Sources []string
}

// Resolver expands a list's subscriber set, following subscribers that are
// themselves configured lists.
type Resolver struct {
	store ListStore
}

func NewResolver(store ListStore) *Resolver {
	return &Resolver{store: store}
}

// Resolve returns the ordered, case-insensitively deduplicated recipient
// set of a list. Nested lists are expanded depth-first with cycle
// protection; list addresses themselves never appear in the result.
func (r *Resolver) Resolve(ctx context.Context, list *db.MailingList) ([]Recipient, error) {
	state := &resolveState{
		visited: map[string]struct{}{list.ID: {}},
		index:   make(map[string]int),
	}
	if err := r.expand(ctx, list, SourceDirect, state); err != nil {
		return nil, err
	}
	metrics.RecipientsResolvedTotal.Add(float64(len(state.recipients)))
	return state.recipients, nil
}

type resolveState struct {
	visited    map[string]struct{}
	recipients []Recipient
	index      map[string]int // lowercased email -> recipients index
}

func (r *Resolver) expand(ctx context.Context, list *db.MailingList, source string, state *resolveState) error {
	subs, err := r.store.GetSubscribers(ctx, list.ID)
	if err != nil {
		return fmt.Errorf("failed to load subscribers of list %s: %w", list.ID, err)
	}

	for _, sub := range subs {
		nested, err := r.store.GetActiveMailingListByAddress(ctx, sub.Email)
		switch {
		case err == nil:
			// The subscriber is another configured list: expand it
			// instead of mailing the list address directly.
			if _, ok := state.visited[nested.ID]; ok {
				continue
			}
			state.visited[nested.ID] = struct{}{}
			if err := r.expand(ctx, nested, nested.ID, state); err != nil {
				return err
			}
		case errors.Is(err, consts.ErrListNotFound):
			if sub.Type == db.SubscriberTypeList {
				logger.Warnf("list %s: subscriber %s is marked as a list but no active list has that address, skipping",
					list.ID, sub.Email)
				continue
			}
			state.add(sub, source)
		default:
			return fmt.Errorf("failed to resolve subscriber %s of list %s: %w", sub.Email, list.ID, err)
		}
	}
	return nil
}

func (s *resolveState) add(sub *db.Subscriber, source string) {
	key := strings.ToLower(sub.Email)
	if i, ok := s.index[key]; ok {
		existing := &s.recipients[i]
		for _, src := range existing.Sources {
			if src == source {
				return
			}
		}
		existing.Sources = append(existing.Sources, source)
		return
	}
	s.index[key] = len(s.recipients)
	s.recipients = append(s.recipients, Recipient{
		Email:   key,
		Name:    sub.Name,
		Sources: []string{source},
	})
}
