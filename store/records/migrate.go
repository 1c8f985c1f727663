package records

import (
	"encoding/json"
	"fmt"

	storycache "github.com/wolfeidau/story-cache"
	"go.etcd.io/bbolt"
)

// SchemaVersion is the schema version this binary writes.
const SchemaVersion = 2

// migration upgrades the database from version-1 to version.
type migration struct {
	version int
	name    string
	apply   func(tx *bbolt.Tx) error
}

// migrations must stay ordered by version. The primary key path (id) never
// changes between versions.
var migrations = []migration{
	{version: 1, name: "create stories", apply: migrateCreateStories},
	{version: 2, name: "index stories by created time", apply: migrateCreatedIndex},
}

func migrateCreateStories(tx *bbolt.Tx) error {
	_, err := tx.CreateBucketIfNotExists(bucketStories)
	return err
}

func migrateCreatedIndex(tx *bbolt.Tx) error {
	index, err := tx.CreateBucketIfNotExists(bucketByCreated)
	if err != nil {
		return err
	}
	stories := tx.Bucket(bucketStories)
	return stories.ForEach(func(k, v []byte) error {
		var rec storycache.StoryRecord
		if err := json.Unmarshal(v, &rec); err != nil {
			return fmt.Errorf("decoding story %q: %w", k, err)
		}
		return index.Put(makeCreatedKey(rec.CreatedAt, rec.ID), []byte(rec.ID))
	})
}

// migrate brings the database up to SchemaVersion in a single transaction
// and returns the version found before migrating.
func (s *Store) migrate(db *bbolt.DB) (int, error) {
	var from int
	err := db.Update(func(tx *bbolt.Tx) error {
		meta, err := tx.CreateBucketIfNotExists(bucketMeta)
		if err != nil {
			return fmt.Errorf("creating meta bucket: %w", err)
		}
		from = decodeVersion(meta.Get(keySchemaVersion))
		if from > SchemaVersion {
			return fmt.Errorf("%w: database has version %d, binary supports %d", ErrSchemaTooNew, from, SchemaVersion)
		}
		for _, m := range migrations {
			if m.version <= from {
				continue
			}
			if err := m.apply(tx); err != nil {
				return fmt.Errorf("migration %d (%s): %w", m.version, m.name, err)
			}
			s.logger.Info("applied record store migration", "version", m.version, "name", m.name)
		}
		return meta.Put(keySchemaVersion, encodeVersion(SchemaVersion))
	})
	return from, err
}
