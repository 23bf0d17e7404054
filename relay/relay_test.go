package relay

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/emersion/go-imap/v2"
	"github.com/mailgrove/mailgrove/consts"
	"github.com/mailgrove/mailgrove/db"
)

// fakeStore is an in-memory PollerStore for engine tests.
type fakeStore struct {
	mu       sync.Mutex
	lists    []*db.MailingList
	subs     map[string][]*db.Subscriber
	incoming []*db.IncomingMessage
	outgoing []*db.OutgoingMessage
	unique   map[string]struct{}
}

func newFakeStore(lists ...*db.MailingList) *fakeStore {
	return &fakeStore{
		lists:  lists,
		subs:   make(map[string][]*db.Subscriber),
		unique: make(map[string]struct{}),
	}
}

func (s *fakeStore) subscribe(listID string, emails ...string) {
	for _, email := range emails {
		s.subs[listID] = append(s.subs[listID], &db.Subscriber{
			ListID: listID,
			Email:  strings.ToLower(email),
			Type:   db.SubscriberTypeNormal,
		})
	}
}

func (s *fakeStore) GetActiveMailingListByAddress(_ context.Context, address string) (*db.MailingList, error) {
	for _, l := range s.lists {
		if !l.Deleted && strings.EqualFold(l.Address, address) {
			return l, nil
		}
	}
	return nil, consts.ErrListNotFound
}

func (s *fakeStore) GetSubscribers(_ context.Context, listID string) ([]*db.Subscriber, error) {
	return s.subs[listID], nil
}

func (s *fakeStore) ListActiveMailingLists(_ context.Context) ([]*db.MailingList, error) {
	var active []*db.MailingList
	for _, l := range s.lists {
		if !l.Deleted {
			active = append(active, l)
		}
	}
	return active, nil
}

func (s *fakeStore) InsertIncomingMessage(_ context.Context, m *db.IncomingMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := m.MessageID + "\x00" + m.ListID
	if _, ok := s.unique[key]; ok {
		return consts.ErrDBUniqueViolation
	}
	s.unique[key] = struct{}{}
	clone := *m
	s.incoming = append(s.incoming, &clone)
	return nil
}

func (s *fakeStore) InsertOutgoingMessage(_ context.Context, m *db.OutgoingMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *m
	s.outgoing = append(s.outgoing, &clone)
	return nil
}

func (s *fakeStore) statuses() []db.MessageStatus {
	var out []db.MessageStatus
	for _, m := range s.incoming {
		out = append(out, m.Status)
	}
	return out
}

type fakeLocks struct{}

func (fakeLocks) AcquirePollLock(context.Context) (*db.PollLock, error) {
	return &db.PollLock{}, nil
}

// fakeMailbox records folder traffic for one simulated cycle.
type fakeMailbox struct {
	inbox   []InboundMessage
	moves   map[imap.UID]string
	appends map[string][][]byte
	ensured []string
	closed  bool
}

func newFakeMailbox(raw ...[]byte) *fakeMailbox {
	mbox := &fakeMailbox{
		moves:   make(map[imap.UID]string),
		appends: make(map[string][][]byte),
	}
	for i, r := range raw {
		mbox.inbox = append(mbox.inbox, InboundMessage{UID: imap.UID(i + 1), Raw: r})
	}
	return mbox
}

func (m *fakeMailbox) EnsureFolders(folders []string) error {
	m.ensured = folders
	return nil
}

func (m *fakeMailbox) FetchUnseen(string) ([]InboundMessage, error) {
	return m.inbox, nil
}

func (m *fakeMailbox) MoveSeen(uid imap.UID, folder string) error {
	m.moves[uid] = folder
	return nil
}

func (m *fakeMailbox) Append(folder string, raw []byte) error {
	m.appends[folder] = append(m.appends[folder], raw)
	return nil
}

func (m *fakeMailbox) Close() error {
	m.closed = true
	return nil
}

// fakeSender tallies sends and can fail specific recipients.
type fakeSender struct {
	mu    sync.Mutex
	sends []fakeSend
	fail  map[string]error
}

type fakeSend struct {
	From string
	To   string
	Raw  []byte
}

func (s *fakeSender) Send(from, to string, raw []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err, ok := s.fail[to]; ok {
		return err
	}
	s.sends = append(s.sends, fakeSend{From: from, To: to, Raw: raw})
	return nil
}

func broadcastList(id, address string) *db.MailingList {
	return &db.MailingList{
		ID:      id,
		Address: address,
		Name:    "List " + id,
		Mode:    db.ListModeBroadcast,
	}
}

func groupList(id, address string) *db.MailingList {
	l := broadcastList(id, address)
	l.Mode = db.ListModeGroup
	return l
}

// rawMessage builds minimal RFC822 bytes from header lines and a body.
func rawMessage(headers []string, body string) []byte {
	var b strings.Builder
	for _, h := range headers {
		b.WriteString(h)
		b.WriteString("\r\n")
	}
	b.WriteString("\r\n")
	b.WriteString(body)
	return []byte(b.String())
}

func simplePost(from, to, msgID string) []byte {
	return rawMessage([]string{
		"From: " + from,
		"To: " + to,
		"Subject: hello",
		fmt.Sprintf("Message-ID: <%s>", msgID),
		"Content-Type: text/plain; charset=utf-8",
	}, "A perfectly ordinary post.\r\n")
}
