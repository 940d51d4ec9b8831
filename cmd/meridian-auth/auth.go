package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/meridian-social/meridian/session"

	"github.com/adrg/xdg"
)

var ErrNoAuthSession = errors.New("no auth session found")

const authSessionPath = "meridian/auth-session.json"

func persistAuthSession(data session.SessionData) error {
	fPath, err := xdg.StateFile(authSessionPath)
	if err != nil {
		return err
	}

	f, err := os.OpenFile(fPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	defer f.Close()

	b, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return err
	}
	_, err = f.Write(b)
	return err
}

func loadAuthSession() (*session.SessionData, error) {
	fPath, err := xdg.SearchStateFile(authSessionPath)
	if err != nil {
		return nil, ErrNoAuthSession
	}

	b, err := os.ReadFile(fPath)
	if err != nil {
		return nil, err
	}

	var data session.SessionData
	if err := json.Unmarshal(b, &data); err != nil {
		return nil, fmt.Errorf("parsing persisted session: %w", err)
	}
	return &data, nil
}

func wipeAuthSession() error {
	fPath, err := xdg.SearchStateFile(authSessionPath)
	if err != nil {
		return nil
	}
	return os.Remove(fPath)
}
