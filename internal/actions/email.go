package actions

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/wneessen/go-mail"
)

// Mail is a single outgoing message.
type Mail struct {
	From    string
	To      string
	ReplyTo string
	Subject string
	Body    string
}

// MailSender delivers mail.
type MailSender interface {
	Send(ctx context.Context, m Mail) error
}

// ErrHeaderInjection rejects header values carrying line breaks.
var ErrHeaderInjection = errors.New("mail header contains a line break")

// SMTPSender sends mail through an SMTP relay, upgrading to TLS when offered.
type SMTPSender struct {
	Host     string
	Port     int
	Username string
	Password string
}

// Send delivers m as an HTML message.
func (s *SMTPSender) Send(ctx context.Context, m Mail) error {
	if s.Host == "" {
		return errors.New("smtp host not configured")
	}
	msg, err := newMessage(m)
	if err != nil {
		return err
	}
	opts := []mail.Option{mail.WithTLSPolicy(mail.TLSOpportunistic)}
	if s.Port > 0 {
		opts = append(opts, mail.WithPort(s.Port))
	}
	if s.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(s.Username),
			mail.WithPassword(s.Password),
		)
	}
	client, err := mail.NewClient(s.Host, opts...)
	if err != nil {
		return fmt.Errorf("smtp client: %w", err)
	}
	return client.DialAndSendWithContext(ctx, msg)
}

// newMessage builds the MIME message. Non-ASCII headers are Q-encoded by go-mail.
func newMessage(m Mail) (*mail.Msg, error) {
	for _, v := range []string{m.From, m.To, m.ReplyTo, m.Subject} {
		if strings.ContainsAny(v, "\r\n") {
			return nil, ErrHeaderInjection
		}
	}
	msg := mail.NewMsg()
	if err := msg.From(m.From); err != nil {
		return nil, fmt.Errorf("from: %w", err)
	}
	if err := msg.To(m.To); err != nil {
		return nil, fmt.Errorf("to: %w", err)
	}
	if m.ReplyTo != "" {
		if err := msg.ReplyTo(m.ReplyTo); err != nil {
			return nil, fmt.Errorf("reply-to: %w", err)
		}
	}
	msg.Subject(m.Subject)
	msg.SetBodyString(mail.TypeTextHTML, m.Body)
	return msg, nil
}

// EmailAction sends an email to one recipient.
type EmailAction struct {
	sender MailSender
	from   string
}

func NewEmailAction(sender MailSender, from string) *EmailAction {
	return &EmailAction{sender: sender, from: from}
}

func (a *EmailAction) Name() string        { return "email" }
func (a *EmailAction) Description() string { return "Send an email" }

func (a *EmailAction) ConfigSchema() Schema {
	return Schema{Fields: []Field{
		{Name: "recipientEmail", Kind: KindString, Required: true, Rules: "email", Description: "Recipient address"},
		{Name: "subject", Kind: KindString, Required: true, Description: "Subject line"},
		{Name: "body", Kind: KindString, Required: true, Description: "HTML body"},
		{Name: "replyTo", Kind: KindString, Rules: "email", Description: "Reply-To address"},
	}}
}

func (a *EmailAction) Run(ctx context.Context, config map[string]interface{}, _ RunContext) (*Result, error) {
	if a.sender == nil {
		return Failed("Email is not configured", errors.New("no mail sender")), nil
	}
	m := Mail{From: a.from}
	m.To, _ = config["recipientEmail"].(string)
	m.Subject, _ = config["subject"].(string)
	m.Body, _ = config["body"].(string)
	m.ReplyTo, _ = config["replyTo"].(string)

	if err := a.sender.Send(ctx, m); err != nil {
		return Failed("Failed to send email", err), nil
	}
	return Succeeded(fmt.Sprintf("Email sent to %s", m.To), map[string]interface{}{"recipient": m.To}), nil
}
