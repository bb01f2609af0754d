package database

import (
	"encoding/json"
	"os"
	"path/filepath"

	"cartserver/models"
)

// FileStore persists the user directory as one JSON file, rewritten wholesale
// on every save. This is the default backend.
type FileStore struct {
	Path string
}

func NewFileStore(path string) *FileStore {
	if path == "" {
		path = "directory.json"
	}
	return &FileStore{Path: path}
}

func (s *FileStore) Load() ([]models.User, error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var users []models.User
	if err := json.Unmarshal(data, &users); err != nil {
		return nil, err
	}
	return users, nil
}

func (s *FileStore) Save(users []models.User) error {
	data, err := json.MarshalIndent(users, "", "  ")
	if err != nil {
		return err
	}
	// Write-then-rename keeps the snapshot intact if the process dies
	// mid-write.
	tmp := s.Path + ".tmp"
	if dir := filepath.Dir(s.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.Path)
}
