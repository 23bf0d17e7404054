package relay

import (
	"crypto/tls"
	"errors"
	"fmt"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/mailgrove/mailgrove/pkg/metrics"
)

// DeliveryError wraps a send failure with whether it is permanent.
// Permanent errors (5xx SMTP codes) will not succeed on retry; temporary
// errors (4xx codes, network failures) may.
type DeliveryError struct {
	Err       error
	Permanent bool
}

func (e *DeliveryError) Error() string {
	if e.Permanent {
		return fmt.Sprintf("permanent failure: %v", e.Err)
	}
	return fmt.Sprintf("temporary failure: %v", e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// IsPermanentError reports whether err is a permanent delivery failure.
func IsPermanentError(err error) bool {
	if err == nil {
		return false
	}
	var deliveryErr *DeliveryError
	if errors.As(err, &deliveryErr) {
		return deliveryErr.Permanent
	}
	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) {
		return !smtpErr.Temporary()
	}
	// Network and connection errors are temporary.
	return false
}

// SMTPSender delivers one composed copy with the given envelope sender.
type SMTPSender interface {
	Send(from, to string, messageBytes []byte) error
}

// SMTPSettings is the resolved submission configuration for one list.
type SMTPSettings struct {
	Host     string
	Port     int
	User     string
	Password string
	StartTLS bool
}

// smtpSender opens one connection per message. List traffic is low-volume
// and bursty; connection reuse across recipients is not worth the
// state-tracking it costs.
type smtpSender struct {
	settings SMTPSettings
}

func NewSMTPSender(settings SMTPSettings) SMTPSender {
	return &smtpSender{settings: settings}
}

func (s *smtpSender) Send(from, to string, messageBytes []byte) error {
	start := time.Now()
	err := s.send(from, to, messageBytes)
	metrics.SMTPSendDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.SMTPSendsTotal.WithLabelValues("failure").Inc()
		return err
	}
	metrics.SMTPSendsTotal.WithLabelValues("success").Inc()
	return nil
}

func (s *smtpSender) send(from, to string, messageBytes []byte) error {
	addr := fmt.Sprintf("%s:%d", s.settings.Host, s.settings.Port)
	tlsConfig := &tls.Config{
		MinVersion:    tls.VersionTLS12,
		Renegotiation: tls.RenegotiateNever,
		ServerName:    s.settings.Host,
	}

	var c *smtp.Client
	var err error
	switch {
	case s.settings.Port == 465:
		c, err = smtp.DialTLS(addr, tlsConfig)
	case s.settings.StartTLS:
		c, err = smtp.DialStartTLS(addr, tlsConfig)
	default:
		c, err = smtp.Dial(addr)
	}
	if err != nil {
		return &DeliveryError{Err: fmt.Errorf("failed to connect to %s: %w", addr, err), Permanent: false}
	}
	defer c.Close()

	if s.settings.User != "" {
		auth := sasl.NewPlainClient("", s.settings.User, s.settings.Password)
		if err := c.Auth(auth); err != nil {
			return &DeliveryError{Err: fmt.Errorf("failed to authenticate as %s: %w", s.settings.User, err), Permanent: IsPermanentError(err)}
		}
	}

	if err := c.Mail(from, nil); err != nil {
		return &DeliveryError{Err: fmt.Errorf("failed to set sender: %w", err), Permanent: IsPermanentError(err)}
	}
	if err := c.Rcpt(to, nil); err != nil {
		return &DeliveryError{Err: fmt.Errorf("failed to set recipient: %w", err), Permanent: IsPermanentError(err)}
	}

	wc, err := c.Data()
	if err != nil {
		return &DeliveryError{Err: fmt.Errorf("failed to start data: %w", err), Permanent: IsPermanentError(err)}
	}
	if _, err := wc.Write(messageBytes); err != nil {
		_ = wc.Close()
		return &DeliveryError{Err: fmt.Errorf("failed to write message: %w", err), Permanent: false}
	}
	if err := wc.Close(); err != nil {
		return &DeliveryError{Err: fmt.Errorf("failed to close data writer: %w", err), Permanent: IsPermanentError(err)}
	}

	// Quit errors do not affect delivery; the message is already accepted.
	_ = c.Quit()
	return nil
}
