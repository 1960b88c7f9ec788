package web

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"
)

const pushVAPIDKeysMetaKey = "web_push_vapid_keys"

// MetaStore is the key/value slice of the state database the VAPID keypair
// lives in.
type MetaStore interface {
	GetMeta(key string) (string, error)
	SetMeta(key, value string) error
}

type pushVAPIDKeys struct {
	PublicKey  string    `json:"publicKey"`
	PrivateKey string    `json:"privateKey"`
	Subject    string    `json:"subject,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// EnsurePushVAPIDKeys returns the persisted VAPID keypair, generating and
// storing one on first use. A changed subject is written back.
func EnsurePushVAPIDKeys(meta MetaStore, subject string) (publicKey, privateKey string, generated bool, err error) {
	subject = strings.TrimSpace(subject)

	keys, err := loadPushVAPIDKeys(meta)
	if err != nil {
		return "", "", false, err
	}
	if keys != nil {
		if subject != "" && keys.Subject != subject {
			keys.Subject = subject
			keys.UpdatedAt = time.Now().UTC()
			if err := storePushVAPIDKeys(meta, keys); err != nil {
				return "", "", false, err
			}
		}
		return keys.PublicKey, keys.PrivateKey, false, nil
	}

	privateKey, publicKey, err = webpush.GenerateVAPIDKeys()
	if err != nil {
		return "", "", false, fmt.Errorf("generate vapid keypair: %w", err)
	}
	now := time.Now().UTC()
	keys = &pushVAPIDKeys{
		PublicKey:  strings.TrimSpace(publicKey),
		PrivateKey: strings.TrimSpace(privateKey),
		Subject:    subject,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := storePushVAPIDKeys(meta, keys); err != nil {
		return "", "", false, err
	}
	return keys.PublicKey, keys.PrivateKey, true, nil
}

// loadPushVAPIDKeys returns nil without error when no keypair is stored.
func loadPushVAPIDKeys(meta MetaStore) (*pushVAPIDKeys, error) {
	raw, err := meta.GetMeta(pushVAPIDKeysMetaKey)
	if err != nil {
		return nil, fmt.Errorf("read vapid keys: %w", err)
	}
	if raw == "" {
		return nil, nil
	}
	var keys pushVAPIDKeys
	if err := json.Unmarshal([]byte(raw), &keys); err != nil {
		return nil, fmt.Errorf("parse vapid keys: %w", err)
	}
	keys.PublicKey = strings.TrimSpace(keys.PublicKey)
	keys.PrivateKey = strings.TrimSpace(keys.PrivateKey)
	keys.Subject = strings.TrimSpace(keys.Subject)
	if keys.PublicKey == "" || keys.PrivateKey == "" {
		return nil, fmt.Errorf("stored vapid keys are missing required keys")
	}
	return &keys, nil
}

func storePushVAPIDKeys(meta MetaStore, keys *pushVAPIDKeys) error {
	raw, err := json.Marshal(keys)
	if err != nil {
		return fmt.Errorf("marshal vapid keys: %w", err)
	}
	if err := meta.SetMeta(pushVAPIDKeysMetaKey, string(raw)); err != nil {
		return fmt.Errorf("store vapid keys: %w", err)
	}
	return nil
}
