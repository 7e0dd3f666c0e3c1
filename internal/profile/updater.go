// Bastion - Real-Time Security Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/bastion

package profile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/tomtom215/bastion/internal/config"
	"github.com/tomtom215/bastion/internal/logging"
	"github.com/tomtom215/bastion/internal/metrics"
	"github.com/tomtom215/bastion/internal/models"
	"github.com/tomtom215/bastion/internal/store"
)

const profileKeyPrefix = "profile:"

// updateOpTimeout bounds one profile read-modify-write.
const updateOpTimeout = 5 * time.Second

// Updater applies behavior observations asynchronously. Scoring reads a
// profile optimistically; the update lands after the event is scored so
// the score always reflects state before the event.
type Updater struct {
	store  *store.Store
	config config.ProfileConfig

	queue  chan *models.SecurityEvent
	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// NewUpdater creates the async profile updater and starts its workers.
func NewUpdater(s *store.Store, cfg config.ProfileConfig) *Updater {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}

	u := &Updater{
		store:  s,
		config: cfg,
		queue:  make(chan *models.SecurityEvent, cfg.QueueSize),
		stopCh: make(chan struct{}),
	}

	u.wg.Add(cfg.Workers)
	for i := 0; i < cfg.Workers; i++ {
		go u.worker()
	}
	return u
}

// Enqueue submits an event's observation. Never blocks: on a full queue
// the observation is dropped and counted. Profiles tolerate gaps.
func (u *Updater) Enqueue(event *models.SecurityEvent) {
	if event == nil || event.ActorID == "" {
		return
	}
	select {
	case u.queue <- event:
	default:
		metrics.ProfileUpdatesDropped.Inc()
		logging.Warn().
			Str("component", "profile").
			Str("actor_id", event.ActorID).
			Msg("profile update queue full, dropping observation")
	}
}

// Get loads a user's profile, or an empty one when none exists.
func (u *Updater) Get(ctx context.Context, userID string) (*Profile, error) {
	var p Profile
	err := u.store.GetJSON(ctx, "profile_get", profileKeyPrefix+userID, &p)
	if errors.Is(err, store.ErrNotFound) {
		return New(userID), nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// Close stops the workers after draining queued observations.
func (u *Updater) Close() {
	u.once.Do(func() {
		close(u.stopCh)
		u.wg.Wait()
	})
}

func (u *Updater) worker() {
	defer u.wg.Done()
	for {
		select {
		case event := <-u.queue:
			u.apply(event)
		case <-u.stopCh:
			// Drain whatever was queued before shutdown.
			for {
				select {
				case event := <-u.queue:
					u.apply(event)
				default:
					return
				}
			}
		}
	}
}

// apply folds one observation into the stored profile. The read-modify-
// write runs in one transaction; an update still contended after the
// store's retries is dropped with a warning. Profiles tolerate gaps.
func (u *Updater) apply(event *models.SecurityEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), updateOpTimeout)
	defer cancel()

	obs := Observation{
		Timestamp: event.Timestamp,
		SourceIP:  event.SourceIP,
		DeviceFP:  event.Attr("device_fingerprint"),
	}
	if lat, lon, ok := event.Geo(); ok {
		obs.HasGeo = true
		obs.Lat, obs.Lon = lat, lon
	}
	if obs.Timestamp.IsZero() {
		obs.Timestamp = time.Now().UTC()
	}

	key := []byte(profileKeyPrefix + event.ActorID)
	err := u.store.Update(ctx, "profile_update", func(txn *badger.Txn) error {
		p := New(event.ActorID)

		item, err := txn.Get(key)
		switch {
		case err == nil:
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, p)
			}); err != nil {
				return fmt.Errorf("unmarshal profile: %w", err)
			}
		case errors.Is(err, badger.ErrKeyNotFound):
		default:
			return err
		}

		p.Decay(obs.Timestamp, u.config.DecayHalfLife)
		p.Observe(obs)

		data, err := json.Marshal(p)
		if err != nil {
			return fmt.Errorf("marshal profile: %w", err)
		}
		return txn.Set(key, data)
	})
	if err != nil {
		logging.Warn().Err(err).
			Str("component", "profile").
			Str("actor_id", event.ActorID).
			Msg("profile update failed")
	}
}
