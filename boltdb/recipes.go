// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package boltdb

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"time"

	"github.com/featurebasedb/ivm/dataflow"
	"github.com/featurebasedb/ivm/errors"
	"github.com/featurebasedb/ivm/logger"
)

var bucketRecipes = Bucket("recipes")

// RecipeBuckets defines the buckets used by RecipeStore. It can be called
// during setup to create the buckets ahead of time.
var RecipeBuckets []Bucket = []Bucket{
	bucketRecipes,
}

// Recipe is one migration as it was applied.
type Recipe struct {
	Version uint64        `json:"version"`
	Applied time.Time     `json:"applied"`
	Diff    dataflow.Diff `json:"diff"`
}

// RecipeStore keeps the ordered list of migrations applied to the graph so
// that it can be rebuilt on restart.
type RecipeStore struct {
	db     *DB
	logger logger.Logger
}

func NewRecipeStore(db *DB, log logger.Logger) *RecipeStore {
	if log == nil {
		log = logger.NopLogger
	}
	return &RecipeStore{db: db, logger: log}
}

// Append records diff as the next migration and returns its version.
// Versions start at 1.
func (s *RecipeStore) Append(ctx context.Context, diff dataflow.Diff) (uint64, error) {
	tx, err := s.db.BeginTx(ctx, true)
	if err != nil {
		return 0, errors.Wrap(err, "beginning tx")
	}
	defer tx.Rollback()

	bkt := tx.Bucket(bucketRecipes)
	if bkt == nil {
		return 0, errors.Errorf(ErrFmtBucketNotFound, bucketRecipes)
	}
	version, err := bkt.NextSequence()
	if err != nil {
		return 0, errors.Wrap(err, "getting next recipe version")
	}
	buf, err := json.Marshal(Recipe{Version: version, Applied: tx.now, Diff: diff})
	if err != nil {
		return 0, errors.Wrap(err, "marshaling recipe")
	}
	if err := bkt.Put(versionKey(version), buf); err != nil {
		return 0, errors.Wrap(err, "putting recipe")
	}
	if err := tx.Commit(); err != nil {
		return 0, errors.Wrap(err, "committing recipe")
	}
	s.logger.Debugf("stored recipe version %d (%d added, %d removed)", version, len(diff.Add), len(diff.Remove))
	return version, nil
}

// Recipes returns every stored migration in the order they were applied.
func (s *RecipeStore) Recipes(ctx context.Context) ([]Recipe, error) {
	tx, err := s.db.BeginTx(ctx, false)
	if err != nil {
		return nil, errors.Wrap(err, "beginning tx")
	}
	defer tx.Rollback()

	bkt := tx.Bucket(bucketRecipes)
	if bkt == nil {
		return nil, errors.Errorf(ErrFmtBucketNotFound, bucketRecipes)
	}
	var out []Recipe
	c := bkt.Cursor()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		var r Recipe
		if err := json.Unmarshal(v, &r); err != nil {
			return nil, errors.Wrapf(err, "unmarshaling recipe %d", binary.BigEndian.Uint64(k))
		}
		out = append(out, r)
	}
	return out, nil
}

func versionKey(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}
