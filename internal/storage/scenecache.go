package storage

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"
)

// SceneStore persists the last successfully fetched scene list per SKU.
// It is read only when the vendor scene endpoint fails.
type SceneStore struct {
	db *sql.DB
}

// NewSceneStore creates a scene store backed by SQLite
func NewSceneStore(db *sql.DB) *SceneStore {
	return &SceneStore{db: db}
}

// Get returns the stored scene payload for a SKU
func (s *SceneStore) Get(sku string) (json.RawMessage, bool) {
	var payload string
	err := s.db.QueryRow(`
		SELECT scenes FROM scene_cache WHERE sku = ?
	`, sku).Scan(&payload)

	if err == sql.ErrNoRows {
		return nil, false
	}
	if err != nil {
		log.Warn().Err(err).Str("sku", sku).Msg("Failed to read scene cache")
		return nil, false
	}

	log.Debug().Str("sku", sku).Msg("Scene cache hit")
	return json.RawMessage(payload), true
}

// Put stores the scene payload for a SKU, replacing any previous one
func (s *SceneStore) Put(sku string, scenes json.RawMessage) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO scene_cache (sku, scenes, updated_at)
		VALUES (?, ?, ?)
	`, sku, string(scenes), time.Now().Unix())

	if err != nil {
		log.Warn().Err(err).Str("sku", sku).Msg("Failed to write scene cache")
		return err
	}

	log.Debug().Str("sku", sku).Int("bytes", len(scenes)).Msg("Scene cache stored")
	return nil
}
