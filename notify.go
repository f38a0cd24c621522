package chatsync

import (
	"go.uber.org/zap"
)

// ============================================================================
// Notification Dispatcher
// ============================================================================

// Dispatcher shows user-facing notifications. Every call is fire-and-forget.
type Dispatcher interface {
	ShowSystemNotification(title, body, icon, tag string)
	ShowInAppBanner(msg Message, sender Partner, onClick func())
	PlaySound()
	// NotifyFailure surfaces a non-blocking error notice.
	NotifyFailure(message string)
}

// NopDispatcher discards every notification.
type NopDispatcher struct{}

func (NopDispatcher) ShowSystemNotification(title, body, icon, tag string)        {}
func (NopDispatcher) ShowInAppBanner(msg Message, sender Partner, onClick func()) {}
func (NopDispatcher) PlaySound()                                                  {}
func (NopDispatcher) NotifyFailure(message string)                                {}

// LogDispatcher writes notifications to a zap logger. The CLI uses it in
// place of a desktop notifier.
type LogDispatcher struct {
	Log *zap.Logger
}

func (d LogDispatcher) ShowSystemNotification(title, body, icon, tag string) {
	d.Log.Info("notification", zap.String("title", title), zap.String("body", body), zap.String("tag", tag))
}

func (d LogDispatcher) ShowInAppBanner(msg Message, sender Partner, onClick func()) {
	d.Log.Info("banner", zap.String("from", sender.Name), zap.String("text", msg.Preview()))
}

func (d LogDispatcher) PlaySound() {
	d.Log.Debug("sound")
}

func (d LogDispatcher) NotifyFailure(message string) {
	d.Log.Warn("failure", zap.String("message", message))
}

// safely runs a collaborator callback, swallowing its panics.
func safely(log *zap.Logger, what string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("callback panicked", zap.String("callback", what), zap.Any("panic", r))
		}
	}()
	fn()
}
