// SPDX-License-Identifier: MIT

package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/R0M-GH/reapergt-app/internal/log"
	"github.com/R0M-GH/reapergt-app/internal/metrics"
	"github.com/R0M-GH/reapergt-app/internal/store"
)

// Dispatcher resolves the users tracking a CRN and notifies each of them at
// most once per open episode.
type Dispatcher struct {
	store store.Store
	sms   SMSGateway
	push  PushGateway // nil disables the push channel
	log   zerolog.Logger
}

func NewDispatcher(s store.Store, sms SMSGateway, push PushGateway) *Dispatcher {
	return &Dispatcher{
		store: s,
		sms:   sms,
		push:  push,
		log:   log.WithComponent("notify"),
	}
}

// openMessage is the alert body. The wording is load-bearing: the mobile app
// matches on it.
func openMessage(rec *store.CRNRecord) string {
	return fmt.Sprintf("⚠️ COURSE OPEN ⚠️\n%s - (CRN %s)\nSeats open: %d\nRegister in OSCAR and update your courses in the Reaper app",
		rec.CourseName, rec.CRN, rec.SeatsRemaining)
}

type pushPayload struct {
	Title          string `json:"title"`
	Body           string `json:"body"`
	CRN            string `json:"crn"`
	SeatsRemaining int    `json:"seats_remaining"`
}

// OnOpened fans out one notification per tracking user for a CRN that just
// flipped closed to open. Fanout is concurrent across users; each user is
// handled independently so one failure never blocks the rest.
func (d *Dispatcher) OnOpened(ctx context.Context, rec *store.CRNRecord) {
	var wg sync.WaitGroup
	for _, userID := range rec.TrackingUsers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.notifyUser(ctx, userID, rec)
		}()
	}
	wg.Wait()
}

func (d *Dispatcher) notifyUser(ctx context.Context, userID string, rec *store.CRNRecord) {
	logger := log.WithContext(ctx, d.log).With().Str("crn", rec.CRN).Str("user_id", userID).Logger()

	u, err := d.store.GetUser(ctx, userID)
	if err != nil {
		metrics.IncStoreError("get_user")
		logger.Error().Err(err).Str("event", "notify.user_load_failed").Msg("cannot load user for dispatch")
		return
	}
	if u == nil {
		logger.Warn().Str("event", "notify.user_missing").Msg("tracking user no longer exists")
		return
	}

	// The reverse index can lag a removal; never notify a user who no longer
	// tracks the CRN.
	if !u.Tracks(rec.CRN) {
		metrics.IncNotification("sms", "skipped")
		logger.Debug().Str("event", "notify.stale_index").Msg("user does not track crn, skipping")
		return
	}
	if u.Notified(rec.CRN) {
		metrics.IncNotification("sms", "skipped")
		logger.Debug().Str("event", "notify.deduped").Msg("already notified this episode")
		return
	}
	if u.PhoneNumber == "" {
		metrics.IncNotification("sms", "skipped")
		logger.Debug().Str("event", "notify.no_phone").Msg("user has no phone number")
		return
	}

	if err := d.sms.Send(ctx, u.PhoneNumber, openMessage(rec)); err != nil {
		// Leave notified_crns untouched so the next opened transition of this
		// episode retries.
		metrics.IncNotification("sms", "failure")
		logger.Error().Err(err).Str("event", "notify.sms_failed").Msg("sms send failed")
		return
	}
	metrics.IncNotification("sms", "success")
	logger.Info().Str("event", "notify.sms_sent").Int("seats_remaining", rec.SeatsRemaining).Msg("open-seat alert sent")

	d.sendPush(ctx, u, rec, logger)

	if _, err := d.store.UpdateUser(ctx, userID, func(u *store.User) error {
		u.MarkNotified(rec.CRN)
		return nil
	}); err != nil {
		metrics.IncStoreError("update_user")
		logger.Error().Err(err).Str("event", "notify.dedup_write_failed").Msg("failed to record notification, duplicate possible")
	}
}

func (d *Dispatcher) sendPush(ctx context.Context, u *store.User, rec *store.CRNRecord, logger zerolog.Logger) {
	if d.push == nil || u.PushSubscription == "" {
		return
	}
	payload, err := json.Marshal(pushPayload{
		Title:          "Course Open",
		Body:           openMessage(rec),
		CRN:            rec.CRN,
		SeatsRemaining: rec.SeatsRemaining,
	})
	if err != nil {
		metrics.IncNotification("push", "failure")
		return
	}
	if err := d.push.Send(ctx, u.PushSubscription, payload); err != nil {
		metrics.IncNotification("push", "failure")
		logger.Warn().Err(err).Str("event", "notify.push_failed").Msg("push send failed")
		return
	}
	metrics.IncNotification("push", "success")
}

// OnClosed ends the open episode for a CRN: every tracking user's dedup entry
// is cleared so the next opening notifies again.
func (d *Dispatcher) OnClosed(ctx context.Context, rec *store.CRNRecord) {
	logger := log.WithContext(ctx, d.log)
	for _, userID := range rec.TrackingUsers {
		// UpdateUser upserts; skip users deleted since the scan so the reset
		// does not resurrect them.
		if u, err := d.store.GetUser(ctx, userID); err != nil || u == nil {
			continue
		}
		if _, err := d.store.UpdateUser(ctx, userID, func(u *store.User) error {
			u.ClearNotified(rec.CRN)
			return nil
		}); err != nil {
			metrics.IncStoreError("update_user")
			logger.Error().Err(err).
				Str("crn", rec.CRN).
				Str("user_id", userID).
				Str("event", "notify.dedup_reset_failed").
				Msg("failed to reset notification dedup")
		}
	}
}
