package main

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// errNoSession means there is no usable saved token.
var errNoSession = errors.New("not logged in (run gc login)")

// tokenFile is the session persisted between invocations.
type tokenFile struct {
	Server      string    `json:"server"`
	AccessToken string    `json:"access_token"`
	ExpiresAt   time.Time `json:"expires_at"`
	UserID      string    `json:"user_id"`
	Username    string    `json:"username"`
}

// cfgDir is $XDG_CONFIG_HOME/goph-chat, falling back to ~/.config/goph-chat.
func cfgDir() string {
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, _ := os.UserHomeDir()
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "goph-chat")
}

func tokenPath() string { return filepath.Join(cfgDir(), "session.json") }

func saveToken(tf tokenFile) error {
	if err := os.MkdirAll(cfgDir(), 0o700); err != nil {
		return err
	}
	b, err := json.MarshalIndent(tf, "", "  ")
	if err != nil {
		return err
	}
	// write then rename so a crash never leaves a half written session
	tmp := tokenPath() + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, tokenPath())
}

func loadToken() (tokenFile, error) {
	b, err := os.ReadFile(tokenPath())
	if errors.Is(err, fs.ErrNotExist) {
		return tokenFile{}, errNoSession
	}
	if err != nil {
		return tokenFile{}, err
	}
	var tf tokenFile
	if err := json.Unmarshal(b, &tf); err != nil {
		return tokenFile{}, err
	}
	if tf.AccessToken == "" || !time.Now().Before(tf.ExpiresAt) {
		return tokenFile{}, errNoSession
	}
	return tf, nil
}

// clearToken removes the saved session; a missing file is not an error.
func clearToken() error {
	err := os.Remove(tokenPath())
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}
