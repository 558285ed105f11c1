// SPDX-License-Identifier: GPL-3.0-or-later

// Copyright (c) 2025 Spruce Health

package routing

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var numbersBucket = []byte("numbers")

// BoltRouter keeps routes in a local bbolt file, one JSON value per number
type BoltRouter struct {
	db *bolt.DB
}

// OpenBolt opens or creates the route database at filename
func OpenBolt(filename string) (*BoltRouter, error) {
	db, err := bolt.Open(filename, 0644, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open route db %s: %w", filename, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(numbersBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &BoltRouter{db: db}, nil
}

func (b *BoltRouter) Close() error {
	return b.db.Close()
}

// Put stores the route for number, replacing any existing one
func (b *BoltRouter) Put(ctx context.Context, number string, r Route) error {
	js, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(numbersBucket).Put([]byte(number), js)
	})
}

// Delete removes the route for number
func (b *BoltRouter) Delete(number string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(numbersBucket).Delete([]byte(number))
	})
}

func (b *BoltRouter) Lookup(ctx context.Context, number string) (Route, error) {
	var r Route
	err := b.db.View(func(tx *bolt.Tx) error {
		bs := tx.Bucket(numbersBucket).Get([]byte(number))
		if bs == nil {
			return ErrNoRoute
		}
		return json.Unmarshal(bs, &r)
	})
	if err != nil {
		return Route{}, err
	}
	if r.URL == "" {
		return Route{}, ErrNoRoute
	}
	return r.normalize(), nil
}
