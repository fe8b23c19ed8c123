package persistence

// DocumentUpdate stores one appended update of a document's log.
type DocumentUpdate struct {
	UpdateID          int64  `gorm:"column:update_id;primaryKey;autoIncrement"`
	DocumentID        string `gorm:"column:document_id;size:190;not null;index:idx_document_updates_document;uniqueIndex:idx_document_update_dedupe,priority:1"`
	UpdateBlob        []byte `gorm:"column:update_blob;not null"`
	UpdateHash        string `gorm:"column:update_hash;size:64;not null;uniqueIndex:idx_document_update_dedupe,priority:2"`
	ByteSize          int64  `gorm:"column:byte_size;not null;default:0"`
	RecordedAtSeconds int64  `gorm:"column:recorded_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (DocumentUpdate) TableName() string {
	return "collab_document_updates"
}

// DocumentSnapshot stores the latest snapshot, or the compaction checkpoint of
// the log: every update with an id at or below SnapshotUpdateID is folded in.
type DocumentSnapshot struct {
	DocumentID       string `gorm:"column:document_id;primaryKey;size:190;not null"`
	SnapshotBlob     []byte `gorm:"column:snapshot_blob;not null"`
	SnapshotUpdateID int64  `gorm:"column:snapshot_update_id;not null;default:0"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (DocumentSnapshot) TableName() string {
	return "collab_document_snapshots"
}
