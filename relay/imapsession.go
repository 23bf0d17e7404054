package relay

import (
	"crypto/tls"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/mailgrove/mailgrove/logger"
	"github.com/mailgrove/mailgrove/pkg/metrics"
)

// InboundMessage is one unseen message fetched from a list inbox.
type InboundMessage struct {
	UID imap.UID
	Raw []byte
}

// Mailbox is the per-list IMAP surface the poller drives: fetch unseen
// mail, route handled messages into folders, archive sent copies.
type Mailbox interface {
	EnsureFolders(folders []string) error
	FetchUnseen(folder string) ([]InboundMessage, error)
	MoveSeen(uid imap.UID, folder string) error
	Append(folder string, raw []byte) error
	Close() error
}

// IMAPSettings is the resolved connection configuration for one list.
type IMAPSettings struct {
	Host     string
	Port     int
	User     string
	Password string
	TLS      bool
	Timeout  time.Duration
}

type imapMailbox struct {
	client   *imapclient.Client
	selected string
}

// DialMailbox connects and authenticates one IMAP session. The caller owns
// the session for a single poll cycle and must Close it.
func DialMailbox(settings IMAPSettings) (Mailbox, error) {
	addr := fmt.Sprintf("%s:%d", settings.Host, settings.Port)
	options := &imapclient.Options{}
	dialer := &net.Dialer{Timeout: settings.Timeout}
	tlsConfig := &tls.Config{ServerName: settings.Host, MinVersion: tls.VersionTLS12}

	var client *imapclient.Client
	var err error
	if settings.TLS {
		var conn *tls.Conn
		conn, err = tls.DialWithDialer(dialer, "tcp", addr, tlsConfig)
		if err == nil {
			client = imapclient.New(conn, options)
		}
	} else {
		var conn net.Conn
		conn, err = dialer.Dial("tcp", addr)
		if err == nil {
			options.TLSConfig = tlsConfig
			client, err = imapclient.NewStartTLS(conn, options)
		}
	}
	if err != nil {
		metrics.IMAPConnectsTotal.WithLabelValues("failure").Inc()
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}

	if err := client.Login(settings.User, settings.Password).Wait(); err != nil {
		metrics.IMAPConnectsTotal.WithLabelValues("failure").Inc()
		client.Close()
		return nil, fmt.Errorf("failed to login as %s on %s: %w", settings.User, addr, err)
	}
	metrics.IMAPConnectsTotal.WithLabelValues("success").Inc()
	return &imapMailbox{client: client}, nil
}

// EnsureFolders creates any missing routing folders. Already-existing
// folders are not an error.
func (m *imapMailbox) EnsureFolders(folders []string) error {
	for _, folder := range folders {
		if err := m.client.Create(folder, nil).Wait(); err != nil {
			if strings.Contains(strings.ToUpper(err.Error()), "ALREADYEXISTS") ||
				strings.Contains(strings.ToLower(err.Error()), "already exists") {
				continue
			}
			logger.Debugf("create folder %q: %v", folder, err)
		}
	}
	return nil
}

func (m *imapMailbox) selectFolder(folder string) error {
	if m.selected == folder {
		return nil
	}
	if _, err := m.client.Select(folder, nil).Wait(); err != nil {
		return fmt.Errorf("failed to select %q: %w", folder, err)
	}
	m.selected = folder
	return nil
}

// FetchUnseen returns the full raw bytes of every unseen message in
// folder. Messages are left unseen; routing them out of the inbox after
// processing is the durable handled marker.
func (m *imapMailbox) FetchUnseen(folder string) ([]InboundMessage, error) {
	if err := m.selectFolder(folder); err != nil {
		return nil, err
	}

	criteria := &imap.SearchCriteria{NotFlag: []imap.Flag{imap.FlagSeen}}
	searchData, err := m.client.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("failed to search unseen messages: %w", err)
	}
	uids := searchData.AllUIDs()
	if len(uids) == 0 {
		return nil, nil
	}

	bodySection := &imap.FetchItemBodySection{Peek: true}
	fetched, err := m.client.Fetch(imap.UIDSetNum(uids...), &imap.FetchOptions{
		UID:         true,
		BodySection: []*imap.FetchItemBodySection{bodySection},
	}).Collect()
	if err != nil {
		return nil, fmt.Errorf("failed to fetch messages: %w", err)
	}

	var messages []InboundMessage
	for _, msg := range fetched {
		raw := msg.FindBodySection(bodySection)
		if len(raw) == 0 {
			logger.Warnf("fetched message uid %v has empty body, skipping", msg.UID)
			continue
		}
		messages = append(messages, InboundMessage{UID: msg.UID, Raw: raw})
	}
	return messages, nil
}

// MoveSeen flags the message seen and moves it into folder.
func (m *imapMailbox) MoveSeen(uid imap.UID, folder string) error {
	uidSet := imap.UIDSetNum(uid)
	if _, err := m.client.Store(uidSet, &imap.StoreFlags{
		Op:    imap.StoreFlagsAdd,
		Flags: []imap.Flag{imap.FlagSeen},
	}, nil).Collect(); err != nil {
		return fmt.Errorf("failed to flag uid %v seen: %w", uid, err)
	}
	if _, err := m.client.Move(uidSet, folder).Wait(); err != nil {
		return fmt.Errorf("failed to move uid %v to %q: %w", uid, folder, err)
	}
	metrics.IMAPMovesTotal.WithLabelValues(folder).Inc()
	return nil
}

// Append stores a sent copy into folder, flagged seen.
func (m *imapMailbox) Append(folder string, raw []byte) error {
	cmd := m.client.Append(folder, int64(len(raw)), &imap.AppendOptions{
		Flags: []imap.Flag{imap.FlagSeen},
	})
	if _, err := cmd.Write(raw); err != nil {
		cmd.Close()
		return fmt.Errorf("failed to write append data: %w", err)
	}
	if err := cmd.Close(); err != nil {
		return fmt.Errorf("failed to close append stream: %w", err)
	}
	if _, err := cmd.Wait(); err != nil {
		return fmt.Errorf("failed to append to %q: %w", folder, err)
	}
	return nil
}

func (m *imapMailbox) Close() error {
	if err := m.client.Logout().Wait(); err != nil {
		m.client.Close()
		return nil
	}
	return m.client.Close()
}
