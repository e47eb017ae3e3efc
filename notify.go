package main

import (
	"fmt"

	"github.com/TheCreeper/go-notify"
	"github.com/emersion/go-imap"
	"go.uber.org/zap"
)

// DesktopNotifier raises a desktop notification for qualifying messages on
// mailboxes with the notify option enabled. Failures are logged only; the
// session never depends on the notification daemon.
type DesktopNotifier struct {
	log *zap.SugaredLogger
}

func NewDesktopNotifier(log *zap.SugaredLogger) *DesktopNotifier {
	return &DesktopNotifier{log: log}
}

func (n *DesktopNotifier) NotifyNewMessage(conf MailboxConfig, msg *imap.Message) {
	var subject, from string
	if msg.Envelope != nil {
		subject = msg.Envelope.Subject
		if addr := firstAddress(msg.Envelope.From); addr != nil {
			from = addr.PersonalName
			if from == "" && addr.MailboxName != "" && addr.HostName != "" {
				from = addr.Address()
			}
		}
	}

	ntf := notify.NewNotification(
		"New email in "+conf.Name,
		fmt.Sprintf("<b>%s</b> from <i>%s</i>", subject, from))
	ntf.AppName = AppName
	if conf.NotifyIcon == "" {
		ntf.AppIcon = "mail-unread"
	} else {
		ntf.AppIcon = conf.NotifyIcon
	}
	if conf.NotifyTimeout > 0 {
		ntf.Timeout = conf.NotifyTimeout * 1000
	} else {
		ntf.Timeout = notify.ExpiresNever
	}
	ntf.Hints = make(map[string]interface{})
	if conf.NotifySound != "" {
		ntf.Hints[notify.HintSoundFile] = conf.NotifySound
	}
	if _, err := ntf.Show(); err != nil {
		n.log.Warnf("%s: desktop notification failed: %s", conf.Name, err)
	}
}
