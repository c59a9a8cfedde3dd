package service

import (
	"context"
	"slices"

	"go.uber.org/zap"

	appErrors "github.com/unclebandit/mailqueue-backend/internal/errors"
	"github.com/unclebandit/mailqueue-backend/internal/mailer"
	"github.com/unclebandit/mailqueue-backend/internal/model"
)

// handleEvent returns the listener that turns transport outcomes into
// terminal attempt states. Rejections only settle an attempt still
// InProgress, so a recipient rejection followed by NoRecipientsAccepted
// writes once. A delivery confirmation also settles an attempt paused
// mid-send: the message has left and must not go out again on resume.
func (w *Worker) handleEvent(ctx context.Context) mailer.Listener {
	return func(ev mailer.Event) {
		var p *model.AttemptPatch
		settles := []model.EmailStatus{model.StatusInProgress}
		switch ev.Kind {
		case mailer.MessageSent:
			p = &model.AttemptPatch{
				Status:    model.Ptr(model.StatusSent),
				Result:    model.Ptr(ev.Response),
				ErrorCode: model.Ptr(appErrors.CodeNone),
			}
			settles = append(settles, model.StatusPaused)
		case mailer.SenderNotAccepted:
			p = rejected(stageReason("sender"), ev.Response)
		case mailer.RecipientNotAccepted:
			p = rejected(stageReason("recipient"), ev.Response)
		case mailer.NoRecipientsAccepted:
			p = rejected(stageReason("recipients"), ev.Response)
		case mailer.MessageNotAccepted:
			p = rejected(stageReason("message"), ev.Response)
		default:
			w.log.Debug("smtp event", zap.Stringer("kind", ev.Kind),
				zap.String("message_id", ev.MessageID), zap.String("address", ev.Address))
			return
		}

		changed := false
		a, err := w.repo.ResolveByMessageID(ctx, ev.MessageID, func(a model.EmailAttempt) *model.AttemptPatch {
			if !slices.Contains(settles, a.Status) {
				return nil
			}
			changed = true
			return p
		})
		switch {
		case appErrors.IsNotFound(err):
			w.log.Debug("event for unknown message", zap.Stringer("kind", ev.Kind), zap.String("message_id", ev.MessageID))
			return
		case err != nil:
			w.log.Warn("failed to record smtp event",
				zap.Stringer("kind", ev.Kind), zap.String("message_id", ev.MessageID), zap.Error(err))
			return
		case !changed:
			return
		}
		w.log.Info("attempt resolved",
			zap.Int("attempt_id", a.ID), zap.String("email", a.Email), zap.Stringer("status", a.Status))
		w.notify(ctx, a.CampaignID)
	}
}

// stageReason names the refusal for a RejectionError stage.
func stageReason(stage string) string {
	switch stage {
	case "sender":
		return "Sender Not Accepted"
	case "recipient":
		return "Recipient Not Accepted"
	case "recipients":
		return "No Recipients Accepted"
	}
	return "Message Not Accepted"
}

func rejected(reason, response string) *model.AttemptPatch {
	result := reason
	if response != "" {
		result += ": " + response
	}
	return &model.AttemptPatch{
		Status:    model.Ptr(model.StatusFailed),
		Result:    model.Ptr(result),
		ErrorCode: model.Ptr(appErrors.CodeRejected),
	}
}
