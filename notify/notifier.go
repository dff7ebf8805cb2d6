package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"prism-board/domain"
)

// PreferenceStore loads notification preferences of a user.
type PreferenceStore interface {
	Preferences(ctx context.Context, userID string) (Preferences, error)
}

// Store persists notifications.
type Store interface {
	InsertNotification(ctx context.Context, n *domain.Notification) error
	GetUser(ctx context.Context, id string) (*domain.User, error)
}

// Notifier implements domain.Notifier.
type Notifier struct {
	prefs  PreferenceStore
	store  Store
	mailer Mailer
	log    *log.Logger
	now    func() time.Time
	newID  func() string
}

func New(prefs PreferenceStore, store Store, mailer Mailer, logger *log.Logger) *Notifier {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Notifier{
		prefs:  prefs,
		store:  store,
		mailer: mailer,
		log:    logger,
		now:    func() time.Time { return time.Now().UTC() },
		newID:  uuid.NewString,
	}
}

// ShouldNotify applies self, category and mute checks.
func (n *Notifier) ShouldNotify(ctx context.Context, recipientID, actorID, typ, projectID string) (bool, error) {
	p, err := n.prefs.Preferences(ctx, recipientID)
	if err != nil {
		return false, fmt.Errorf("preferences %s: %w", recipientID, err)
	}
	return allowed(p, recipientID, actorID, typ, projectID), nil
}

func allowed(p Preferences, recipientID, actorID, typ, projectID string) bool {
	if actorID != "" && recipientID == actorID && !p.SelfNotifications {
		return false
	}
	return p.Allows(typ) && !p.Muted(projectID)
}

// Create persists a notification unless the recipient's preferences
// suppress it, in which case it returns nil. Notifications without an actor
// skip the self check only.
func (n *Notifier) Create(ctx context.Context, req domain.NotificationRequest) (*domain.Notification, error) {
	p, err := n.prefs.Preferences(ctx, req.RecipientID)
	if err != nil {
		return nil, fmt.Errorf("preferences %s: %w", req.RecipientID, err)
	}
	if !allowed(p, req.RecipientID, req.ActorID, req.Type, req.ProjectID) {
		n.log.WithFields(log.Fields{"recipient": req.RecipientID, "type": req.Type}).Debug("notification suppressed by preferences")
		return nil, nil
	}

	nt := &domain.Notification{
		ID:        n.newID(),
		UserID:    req.RecipientID,
		ProjectID: req.ProjectID,
		Type:      req.Type,
		Title:     req.Title,
		Message:   req.Message,
		CreatedAt: n.now(),
	}
	if req.ActorID != "" {
		actor := req.ActorID
		nt.ActorID = &actor
	}
	if req.Data != nil {
		if nt.Data, err = json.Marshal(req.Data); err != nil {
			return nil, fmt.Errorf("encode notification data: %w", err)
		}
	}
	if err := n.store.InsertNotification(ctx, nt); err != nil {
		return nil, fmt.Errorf("insert notification: %w", err)
	}

	if p.InstantEmail() && n.mailer != nil {
		n.email(ctx, nt)
	}
	return nt, nil
}

func (n *Notifier) email(ctx context.Context, nt *domain.Notification) {
	u, err := n.store.GetUser(ctx, nt.UserID)
	if err != nil {
		n.log.WithError(err).WithField("recipient", nt.UserID).Warn("failed to load email recipient")
		return
	}
	if u == nil || u.Email == "" {
		return
	}
	msg := Email{To: u.Email, Subject: "Prism Board: " + nt.Title, Body: nt.Message, Type: nt.Type}
	if err := n.mailer.Send(ctx, msg); err != nil {
		n.log.WithError(err).WithFields(log.Fields{"recipient": nt.UserID, "type": nt.Type}).Warn("failed to send notification email")
	}
}

// Notify implements domain.Notifier.
func (n *Notifier) Notify(ctx context.Context, req domain.NotificationRequest) (bool, error) {
	nt, err := n.Create(ctx, req)
	return nt != nil, err
}
