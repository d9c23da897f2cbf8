// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package store

import (
	"fmt"

	"github.com/nodegst/playerd/service/media"

	"github.com/vmihailenco/msgpack/v5"
)

const sessionKeyPrefix = "session:"

// SessionRecord is what's kept about a session once it has ended.
type SessionRecord struct {
	ID        string         `msgpack:"id" json:"id"`
	Class     string         `msgpack:"class" json:"class"`
	Sources   []media.Source `msgpack:"sources" json:"sources"`
	CreatedAt int64          `msgpack:"created_at" json:"createdAt"`
	EndedAt   int64          `msgpack:"ended_at" json:"endedAt"`
	Reason    string         `msgpack:"reason" json:"reason"`
}

func (r SessionRecord) IsValid() error {
	if r.ID == "" {
		return fmt.Errorf("invalid ID value: should not be empty")
	}
	if r.EndedAt < r.CreatedAt {
		return fmt.Errorf("invalid EndedAt value: should not be before CreatedAt")
	}
	return nil
}

// Journal persists ended session records. Session ids are only unique
// among live sessions so a later record overwrites an earlier one.
type Journal struct {
	store Store
}

func NewJournal(store Store) (*Journal, error) {
	if store == nil {
		return nil, fmt.Errorf("store should not be nil")
	}
	return &Journal{store: store}, nil
}

func (j *Journal) Record(rec SessionRecord) error {
	if err := rec.IsValid(); err != nil {
		return err
	}

	data, err := msgpack.Marshal(&rec)
	if err != nil {
		return fmt.Errorf("failed to encode record: %w", err)
	}

	return j.store.Set(sessionKeyPrefix+rec.ID, data)
}

func (j *Journal) Lookup(sessionID string) (SessionRecord, error) {
	var rec SessionRecord
	if sessionID == "" {
		return rec, ErrEmptyKey
	}

	data, err := j.store.Get(sessionKeyPrefix + sessionID)
	if err != nil {
		return rec, err
	}

	if err := msgpack.Unmarshal(data, &rec); err != nil {
		return rec, fmt.Errorf("failed to decode record: %w", err)
	}

	return rec, nil
}
