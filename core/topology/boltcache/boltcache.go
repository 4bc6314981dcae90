// boltcache.go - BoltDB backed topology snapshot cache.
// Copyright (C) 2017  Yawning Angel.
// Copyright (C) 2025  The Mixlink Authors.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package boltcache persists the last good network topology with a simple
// boltdb based backend, so that a client can start while the directory is
// unreachable.
package boltcache

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/mixlink/mixlink/core/topology"
	"github.com/mixlink/mixlink/core/utils"
)

const (
	metadataBucket = "metadata"
	topologyBucket = "topology"

	versionKey   = "version"
	snapshotKey  = "snapshot"
	fetchedAtKey = "fetchedAt"
)

// ErrNoSnapshot is returned by Get when no topology has been stored yet.
var ErrNoSnapshot = errors.New("boltcache: no snapshot")

// Cache is a topology snapshot cache.
type Cache struct {
	sync.Mutex

	db *bolt.DB
}

// Put replaces the cached snapshot with t, fetched at fetchedAt.
func (c *Cache) Put(t *topology.NetworkTopology, fetchedAt time.Time) error {
	b, err := t.MarshalBinary()
	if err != nil {
		return err
	}
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(fetchedAt.Unix()))

	c.Lock()
	defer c.Unlock()

	return c.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(topologyBucket))
		if err := bkt.Put([]byte(snapshotKey), b); err != nil {
			return err
		}
		return bkt.Put([]byte(fetchedAtKey), ts[:])
	})
}

// Get returns the cached snapshot and the time it was fetched.
func (c *Cache) Get() (*topology.NetworkTopology, time.Time, error) {
	var (
		raw       []byte
		fetchedAt time.Time
	)
	if err := c.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(topologyBucket))
		b := bkt.Get([]byte(snapshotKey))
		if b == nil {
			return ErrNoSnapshot
		}
		// The slice is only valid for the life of the transaction.
		raw = append([]byte(nil), b...)
		if ts := bkt.Get([]byte(fetchedAtKey)); len(ts) == 8 {
			fetchedAt = time.Unix(int64(binary.BigEndian.Uint64(ts)), 0)
		}
		return nil
	}); err != nil {
		return nil, time.Time{}, err
	}

	t := new(topology.NetworkTopology)
	if err := t.UnmarshalBinary(raw); err != nil {
		return nil, time.Time{}, fmt.Errorf("boltcache: corrupted snapshot: %w", err)
	}
	return t, fetchedAt, nil
}

// Close syncs and closes the cache.
func (c *Cache) Close() error {
	c.Lock()
	defer c.Unlock()

	if err := c.db.Sync(); err != nil {
		c.db.Close()
		return err
	}
	return c.db.Close()
}

// New creates (or loads) a topology cache with the given file name f.
func New(f string) (*Cache, error) {
	var err error

	if err = utils.EnsureParentDir(f); err != nil {
		return nil, err
	}

	c := new(Cache)
	c.db, err = bolt.Open(f, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}

	if err = c.db.Update(func(tx *bolt.Tx) error {
		// Ensure that all the buckets exists, and grab the metadata bucket.
		bkt, err := tx.CreateBucketIfNotExists([]byte(metadataBucket))
		if err != nil {
			return err
		}
		if _, err = tx.CreateBucketIfNotExists([]byte(topologyBucket)); err != nil {
			return err
		}

		if b := bkt.Get([]byte(versionKey)); b != nil {
			// Well it looks like we loaded as opposed to created.
			if len(b) != 1 || b[0] != 0 {
				return fmt.Errorf("boltcache: incompatible version: %d", uint(b[0]))
			}
			return nil
		}

		// We created a new database, so populate the new `metadata` bucket.
		return bkt.Put([]byte(versionKey), []byte{0})
	}); err != nil {
		// The struct isn't getting returned so clean up the database.
		c.db.Close()
		return nil, err
	}

	return c, nil
}
