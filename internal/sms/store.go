package sms

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	yaml "go.yaml.in/yaml/v3"
)

// SettingsFile is the file name of the persisted settings under the config root.
const SettingsFile = "sms.yaml"

// ErrNotFound is returned by Store.Load when no settings were saved yet.
// It wraps fs.ErrNotExist.
var ErrNotFound = fmt.Errorf("sms settings not found: %w", fs.ErrNotExist)

// record is the on-disk layout of sms.yaml.
type record struct {
	Server  string `yaml:"king_phisher_server,omitempty"`
	Token   string `yaml:"king_phisher_token,omitempty"`
	Number  string `yaml:"sms_number,omitempty"`
	Carrier string `yaml:"sms_carrier,omitempty"`
}

// Store reads and writes Settings at <root>/sms.yaml.
// It does no locking; the owner serializes access.
type Store struct {
	path string
}

func NewStore(root string) *Store {
	return &Store{path: filepath.Join(root, SettingsFile)}
}

func (s *Store) Path() string { return s.path }

// Load reads the settings file. Values are taken as stored, without
// validation; missing keys stay empty.
func (s *Store) Load() (Settings, error) {
	b, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return Settings{}, ErrNotFound
	}
	if err != nil {
		return Settings{}, fmt.Errorf("read %s: %w", s.path, err)
	}

	var r record
	if err := yaml.Unmarshal(b, &r); err != nil {
		return Settings{}, fmt.Errorf("parse %s: %w", s.path, err)
	}
	return Settings{
		Server:  r.Server,
		Token:   r.Token,
		Number:  r.Number,
		Carrier: Carrier(r.Carrier),
	}, nil
}

// Save replaces the settings file. The write goes to a temporary file that
// is renamed into place, so readers see the old or the new content only.
func (s *Store) Save(st Settings) error {
	b, err := yaml.Marshal(record{
		Server:  st.Server,
		Token:   st.Token,
		Number:  st.Number,
		Carrier: string(st.Carrier),
	})
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	f, err := os.CreateTemp(dir, SettingsFile+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmp := f.Name()
	if _, err := f.Write(b); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("close %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename to %s: %w", s.path, err)
	}
	return nil
}
