package oauth

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// FileStore keeps the refresh token in a JSON file readable only by the
// owner.
type FileStore struct {
	Path string
	now  func() time.Time
}

type storedToken struct {
	RefreshToken string    `json:"refresh_token"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// NewFileStore returns a FileStore writing to path.
func NewFileStore(path string) *FileStore {
	return &FileStore{Path: path, now: time.Now}
}

// Load returns the stored refresh token. A missing file yields "".
func (s *FileStore) Load() (string, error) {
	data, err := os.ReadFile(s.Path)
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read token file: %w", err)
	}

	var st storedToken
	if err := json.Unmarshal(data, &st); err != nil {
		return "", fmt.Errorf("failed to parse token file: %w", err)
	}
	return st.RefreshToken, nil
}

// Save replaces the stored refresh token. The file is written to a temporary
// name in the same directory and renamed into place.
func (s *FileStore) Save(refreshToken string) error {
	data, err := json.MarshalIndent(storedToken{
		RefreshToken: refreshToken,
		UpdatedAt:    s.now().UTC(),
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode token: %w", err)
	}

	dir := filepath.Dir(s.Path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create token directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".token-*")
	if err != nil {
		return fmt.Errorf("failed to create temp token file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write token file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to write token file: %w", err)
	}
	if err := os.Rename(tmpName, s.Path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace token file: %w", err)
	}
	return nil
}
