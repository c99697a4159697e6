package schema

import "time"

// KeyValueStore holds small operational state that does not warrant its own
// table. The emitter keeps its per-chain block cursors here under
// "block_cursor:<chain>" keys.
type KeyValueStore struct {
	Key       string    `gorm:"primaryKey;type:text"`
	Value     string    `gorm:"type:text;not null"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
	CreatedAt time.Time `gorm:"autoCreateTime"`
}

func (KeyValueStore) TableName() string {
	return "key_value_store"
}
