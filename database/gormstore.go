package database

import (
	"encoding/json"
	"fmt"

	"cartserver/models"

	"gorm.io/gorm"
)

// DirectoryRecord is the table row for one directory user. The friend list is
// stored JSON-encoded: the table is only ever read and written as a whole
// snapshot, never queried per-edge.
type DirectoryRecord struct {
	UserID     string `gorm:"primaryKey"`
	Name       string `gorm:"not null"`
	FriendCode string `gorm:"not null"`
	Avatar     string
	Friends    string
}

func (DirectoryRecord) TableName() string { return "directory_users" }

// GormStore persists the directory snapshot in postgres. Saving rewrites the
// table wholesale inside a transaction, keeping the write-through semantics of
// the file backend.
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) (*GormStore, error) {
	if err := db.AutoMigrate(&DirectoryRecord{}); err != nil {
		return nil, fmt.Errorf("migrating directory_users: %w", err)
	}
	return &GormStore{db: db}, nil
}

func (s *GormStore) Load() ([]models.User, error) {
	var records []DirectoryRecord
	if err := s.db.Find(&records).Error; err != nil {
		return nil, err
	}
	users := make([]models.User, 0, len(records))
	for _, rec := range records {
		user := models.User{
			ID:         rec.UserID,
			Name:       rec.Name,
			FriendCode: rec.FriendCode,
			Avatar:     rec.Avatar,
		}
		if rec.Friends != "" {
			if err := json.Unmarshal([]byte(rec.Friends), &user.Friends); err != nil {
				return nil, fmt.Errorf("decoding friend list for %s: %w", rec.UserID, err)
			}
		}
		users = append(users, user)
	}
	return users, nil
}

func (s *GormStore) Save(users []models.User) error {
	records := make([]DirectoryRecord, 0, len(users))
	for _, user := range users {
		friends, err := json.Marshal(user.Friends)
		if err != nil {
			return err
		}
		records = append(records, DirectoryRecord{
			UserID:     user.ID,
			Name:       user.Name,
			FriendCode: user.FriendCode,
			Avatar:     user.Avatar,
			Friends:    string(friends),
		})
	}
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("1 = 1").Delete(&DirectoryRecord{}).Error; err != nil {
			return err
		}
		if len(records) == 0 {
			return nil
		}
		return tx.Create(&records).Error
	})
}
