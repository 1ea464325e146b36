package archive

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// EventRecord is one committed runtime event.
type EventRecord struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey"`
	Block      uint64    `gorm:"index"`
	Seq        int       `gorm:"not null"`
	Module     string    `gorm:"index"`
	Type       string    `gorm:"index"`
	XtxID      string    `gorm:"index"`
	Attributes string    `gorm:"type:text"`
	CreatedAt  time.Time
}

// BeforeCreate assigns a primary key when the caller did not.
func (r *EventRecord) BeforeCreate(tx *gorm.DB) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	return nil
}

// BlockRecord is one committed block.
type BlockRecord struct {
	Number    uint64 `gorm:"primaryKey;autoIncrement:false"`
	Root      string `gorm:"size:66"`
	Events    int
	CreatedAt time.Time
}

// AutoMigrate creates or updates the archive tables.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&EventRecord{}, &BlockRecord{})
}
