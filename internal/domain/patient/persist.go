package patient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/medsupply/patientdesk/internal/platform/storage"
)

// Storage keys.
const (
	KeyPatients       = "patients"
	KeyPatientDetails = "patientDetails"
	KeyUser           = "user"
)

// ErrCorruptStorage is returned by Load when a stored value cannot be parsed.
// Startup stops instead of replacing the stored data with empty defaults.
var ErrCorruptStorage = errors.New("corrupt stored value")

// Load reads the three keys and returns the LoadData action that seeds the
// store. Missing keys yield an empty list, an empty map and no user.
func Load(ctx context.Context, kv storage.KV) (LoadData, error) {
	out := LoadData{
		Patients:       []Patient{},
		PatientDetails: map[string]Details{},
	}

	if err := loadKey(ctx, kv, KeyPatients, &out.Patients); err != nil {
		return LoadData{}, err
	}
	if err := loadKey(ctx, kv, KeyPatientDetails, &out.PatientDetails); err != nil {
		return LoadData{}, err
	}
	var user *User
	if err := loadKey(ctx, kv, KeyUser, &user); err != nil {
		return LoadData{}, err
	}
	out.User = user

	if out.Patients == nil {
		out.Patients = []Patient{}
	}
	if out.PatientDetails == nil {
		out.PatientDetails = map[string]Details{}
	}
	return out, nil
}

func loadKey(ctx context.Context, kv storage.KV, key string, dst interface{}) error {
	raw, ok, err := kv.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("load %s: %w", key, err)
	}
	if !ok {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("%w: key %q: %v", ErrCorruptStorage, key, err)
	}
	return nil
}

// Save writes the persisted slices of s. The user key is removed when no one
// is signed in.
func Save(ctx context.Context, kv storage.KV, s State) error {
	patients := s.Patients
	if patients == nil {
		patients = []Patient{}
	}
	details := s.PatientDetails
	if details == nil {
		details = map[string]Details{}
	}

	if err := saveKey(ctx, kv, KeyPatients, patients); err != nil {
		return err
	}
	if err := saveKey(ctx, kv, KeyPatientDetails, details); err != nil {
		return err
	}
	if s.User != nil {
		return saveKey(ctx, kv, KeyUser, s.User)
	}
	if err := kv.Delete(ctx, KeyUser); err != nil {
		return fmt.Errorf("save %s: %w", KeyUser, err)
	}
	return nil
}

func saveKey(ctx context.Context, kv storage.KV, key string, v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if err := kv.Set(ctx, key, raw); err != nil {
		return fmt.Errorf("save %s: %w", key, err)
	}
	return nil
}

// PersistenceObserver returns a Listener that saves the state after every
// dispatch. A failed write is logged; the in-memory transition stands.
func PersistenceObserver(kv storage.KV, logger zerolog.Logger) Listener {
	return func(a Action, s State) {
		if err := Save(context.Background(), kv, s); err != nil {
			logger.Error().Err(err).Str("action", actionName(a)).Msg("persist state")
			return
		}
		logger.Debug().Str("action", actionName(a)).Int("patients", len(s.Patients)).Msg("state persisted")
	}
}

func actionName(a Action) string {
	if a == nil {
		return "<nil>"
	}
	return a.Type()
}
