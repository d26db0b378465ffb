package storage

import (
	"context"
	"encoding/json"
	"fmt"
)

// Keys of the records the daemon keeps in the store
const (
	KeyGlucoseHistory     = "glucoseHistory"
	KeyCalibration        = "calibration"
	KeyDeviceCalibrations = "deviceCalibrations"
	KeyBGChecks           = "bgChecks"
	KeyPendingCommands    = "pendingCommands"
	KeyTransmitterID      = "transmitterId"
	KeyBatteryStatus      = "batteryStatus"
)

// Store is the persistent key-value contract. A missing key is reported
// through the bool result, never as an error.
type Store interface {
	// Get returns the value stored under key
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set replaces the value stored under key
	Set(ctx context.Context, key string, value []byte) error

	// Delete removes key; deleting an absent key is not an error
	Delete(ctx context.Context, key string) error

	// Close releases the backend
	Close() error
}

// GetJSON decodes the value under key into v. It reports false when the key
// is absent, leaving v untouched.
func GetJSON(ctx context.Context, s Store, key string, v any) (bool, error) {
	data, ok, err := s.Get(ctx, key)
	if err != nil {
		return false, fmt.Errorf("get %s: %w", key, err)
	}
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

// SetJSON encodes v and stores it under key.
func SetJSON(ctx context.Context, s Store, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if err := s.Set(ctx, key, data); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}
