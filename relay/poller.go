package relay

import (
	"context"
	"time"

	"github.com/mailgrove/mailgrove/config"
	"github.com/mailgrove/mailgrove/db"
	"github.com/mailgrove/mailgrove/logger"
	"github.com/mailgrove/mailgrove/pkg/metrics"
)

// PollerStore is the database surface one poll cycle reads.
type PollerStore interface {
	ListStore
	MessageDB
	ListActiveMailingLists(ctx context.Context) ([]*db.MailingList, error)
}

// LockManager hands out the single-instance poll lock.
type LockManager interface {
	AcquirePollLock(ctx context.Context) (*db.PollLock, error)
}

// PollerOptions carries the static configuration of the scheduler.
type PollerOptions struct {
	Interval       time.Duration
	InstanceDomain string
	Folders        config.FoldersConfig
	IMAPDefaults   config.IMAPDefaultsConfig
	SMTPDefaults   config.SMTPDefaultsConfig
	ConnectTimeout time.Duration
}

// Poller is the process-wide scheduler: every interval it visits each
// active list sequentially, opening one IMAP session per list, and runs
// the fetch, classify, dispatch, move pipeline. Per-list and per-message
// failures are isolated; nothing here terminates the process.
type Poller struct {
	store      PollerStore
	locks      LockManager
	messages   *MessageStore
	resolver   *Resolver
	authorizer *Authorizer
	dispatcher *Dispatcher
	opts       PollerOptions

	// Injection points for tests.
	dialMailbox func(IMAPSettings) (Mailbox, error)
	newSender   func(SMTPSettings) SMTPSender

	stopCh chan struct{}
}

func NewPoller(store PollerStore, locks LockManager, opts PollerOptions) *Poller {
	messages := NewMessageStore(store)
	composer := &Composer{InstanceDomain: opts.InstanceDomain}
	return &Poller{
		store:       store,
		locks:       locks,
		messages:    messages,
		resolver:    NewResolver(store),
		authorizer:  &Authorizer{InstanceDomain: opts.InstanceDomain},
		dispatcher:  NewDispatcher(composer, messages),
		opts:        opts,
		dialMailbox: DialMailbox,
		newSender:   NewSMTPSender,
		stopCh:      make(chan struct{}),
	}
}

// Start launches the scheduler goroutine. It runs one cycle immediately,
// then on every tick until the context is cancelled or Stop is called.
func (p *Poller) Start(ctx context.Context) {
	logger.Infof("poller starting, interval %v, instance domain %s", p.opts.Interval, p.opts.InstanceDomain)

	go func() {
		ticker := time.NewTicker(p.opts.Interval)
		defer ticker.Stop()

		p.runOnce(ctx)
		for {
			select {
			case <-ctx.Done():
				logger.Info("poller stopped due to context cancellation")
				return
			case <-p.stopCh:
				logger.Info("poller stopped due to stop signal")
				return
			case <-ticker.C:
				p.runOnce(ctx)
			}
		}
	}()
}

// Stop signals the poller to stop before the next cycle.
func (p *Poller) Stop() {
	close(p.stopCh)
}

func (p *Poller) runOnce(ctx context.Context) {
	lock, err := p.locks.AcquirePollLock(ctx)
	if err != nil {
		logger.Errorf("failed to acquire poll lock: %v", err)
		metrics.PollCyclesTotal.WithLabelValues("lock_error").Inc()
		return
	}
	if lock == nil {
		logger.Warn("poll cycle skipped: another instance holds the poll lock")
		metrics.PollCyclesTotal.WithLabelValues("skipped").Inc()
		return
	}
	defer lock.Release(ctx)

	start := time.Now()
	lists, err := p.store.ListActiveMailingLists(ctx)
	if err != nil {
		logger.Errorf("failed to load active lists: %v", err)
		metrics.PollCyclesTotal.WithLabelValues("error").Inc()
		return
	}

	for _, list := range lists {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		default:
		}

		if err := p.pollList(ctx, list); err != nil {
			logger.Errorf("list %s (%s): poll failed: %v", list.ID, list.Address, err)
			metrics.ListsPolledTotal.WithLabelValues("failure").Inc()
			continue
		}
		metrics.ListsPolledTotal.WithLabelValues("success").Inc()
	}

	metrics.PollCyclesTotal.WithLabelValues("success").Inc()
	metrics.PollCycleDuration.Observe(time.Since(start).Seconds())
}

// pollList runs one full cycle for one list over a fresh IMAP session.
func (p *Poller) pollList(ctx context.Context, list *db.MailingList) error {
	mbox, err := p.dialMailbox(p.imapSettings(list))
	if err != nil {
		return err
	}
	defer mbox.Close()

	if err := mbox.EnsureFolders(p.opts.Folders.Required()); err != nil {
		return err
	}

	inbound, err := mbox.FetchUnseen(p.opts.Folders.Inbox)
	if err != nil {
		return err
	}
	if len(inbound) > 0 {
		logger.Infof("list %s: %d new message(s)", list.ID, len(inbound))
	}

	for _, msg := range inbound {
		if err := p.processMessage(ctx, mbox, list, msg); err != nil {
			// Leave the message unseen; the next cycle retries it.
			logger.Errorf("list %s: processing uid %v failed, will retry: %v", list.ID, msg.UID, err)
		}
	}
	return nil
}

// processMessage runs classify, persist, dispatch and folder-move for one
// inbound message. Returned errors mean the message was not durably
// handled and stays in the inbox.
func (p *Poller) processMessage(ctx context.Context, mbox Mailbox, list *db.MailingList, inbound InboundMessage) error {
	m, err := ParseIncoming(inbound.Raw)
	if err != nil {
		// Unparsable mail would poison every cycle; route it out.
		logger.Warnf("list %s: uid %v unparsable, moving to %s: %v", list.ID, inbound.UID, p.opts.Folders.Denied, err)
		return mbox.MoveSeen(inbound.UID, p.opts.Folders.Denied)
	}

	bounce := DetectBounce(m)

	var auth *AuthResult
	if bounce == nil {
		resolved, err := p.resolver.Resolve(ctx, list)
		if err != nil {
			return err
		}
		auth = p.authorizer.Authorize(m, list, resolved)

		status, forward, err := p.messages.RecordAndClassify(ctx, m, list, nil, auth)
		if err != nil {
			return err
		}
		if forward {
			p.forward(ctx, mbox, m, list, resolved, auth)
		} else {
			logger.Infof("list %s: message %s from %s classified %s", list.ID, m.MessageID, m.FromAddress(), status)
		}
		return mbox.MoveSeen(inbound.UID, p.folderFor(status))
	}

	logger.Infof("list %s: bounce for %v referencing %v", list.ID, bounce.Recipients, bounce.MessageIDs)
	status, _, err := p.messages.RecordAndClassify(ctx, m, list, bounce, nil)
	if err != nil {
		return err
	}
	return mbox.MoveSeen(inbound.UID, p.folderFor(status))
}

func (p *Poller) forward(ctx context.Context, mbox Mailbox, m *Message, list *db.MailingList, resolved []Recipient, auth *AuthResult) {
	sender := p.newSender(p.smtpSettings(list))
	result, err := p.dispatcher.SendAll(ctx, m, list, resolved, auth, sender)
	if err != nil {
		logger.Errorf("list %s: dispatch of %s failed: %v", list.ID, m.MessageID, err)
		return
	}
	logger.Infof("list %s: message %s forwarded as %s: %d sent, %d failed, %d skipped",
		list.ID, m.MessageID, result.OutMessageID, len(result.Succeeded), len(result.Failed), len(result.Skipped))

	if result.SentCopy != nil {
		if err := mbox.Append(p.opts.Folders.Sent, result.SentCopy); err != nil {
			logger.Warnf("list %s: failed to archive sent copy: %v", list.ID, err)
		}
	}
}

func (p *Poller) folderFor(status db.MessageStatus) string {
	switch status {
	case db.StatusOK:
		return p.opts.Folders.Processed
	case db.StatusBounce:
		return p.opts.Folders.Bounces
	// Self-loop rejections are denials, not benign re-deliveries; only a
	// repeat of an already-recorded message lands in the duplicate folder.
	case db.StatusSenderNotAllowed, db.StatusSenderAuthFailed, db.StatusDuplicateSameInstance:
		return p.opts.Folders.Denied
	default:
		return p.opts.Folders.Duplicate
	}
}

// imapSettings resolves per-list credentials, falling back to the
// configured defaults when the list carries none of its own.
func (p *Poller) imapSettings(list *db.MailingList) IMAPSettings {
	if list.IMAPHost == "" {
		d := p.opts.IMAPDefaults
		return IMAPSettings{Host: d.Host, Port: d.Port, User: d.User, Password: d.Password, TLS: d.TLS, Timeout: p.opts.ConnectTimeout}
	}
	return IMAPSettings{
		Host:     list.IMAPHost,
		Port:     list.IMAPPort,
		User:     list.IMAPUser,
		Password: list.IMAPPassword,
		TLS:      list.IMAPTLS,
		Timeout:  p.opts.ConnectTimeout,
	}
}

func (p *Poller) smtpSettings(list *db.MailingList) SMTPSettings {
	if list.SMTPHost == "" {
		d := p.opts.SMTPDefaults
		return SMTPSettings{Host: d.Host, Port: d.Port, User: d.User, Password: d.Password, StartTLS: d.StartTLS}
	}
	return SMTPSettings{
		Host:     list.SMTPHost,
		Port:     list.SMTPPort,
		User:     list.SMTPUser,
		Password: list.SMTPPassword,
		StartTLS: list.SMTPStartTLS,
	}
}
