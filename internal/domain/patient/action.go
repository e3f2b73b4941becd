package patient

import (
	"encoding/json"
	"fmt"
	"time"
)

// Action type names, shared with the JSON envelope.
const (
	TypeLogin                = "LOGIN"
	TypeLogout               = "LOGOUT"
	TypeAddPatient           = "ADD_PATIENT"
	TypeUpdatePatient        = "UPDATE_PATIENT"
	TypeDeletePatient        = "DELETE_PATIENT"
	TypeUpdatePatientDetails = "UPDATE_PATIENT_DETAILS"
	TypeAddMedicine          = "ADD_MEDICINE"
	TypeUpdateMedicine       = "UPDATE_MEDICINE"
	TypeDeleteMedicine       = "DELETE_MEDICINE"
	TypeLoadData             = "LOAD_DATA"
)

// Action is a named, immutable description of a state change. The set is
// closed: only the types in this package implement it.
type Action interface {
	Type() string
	action()
}

type Login struct {
	User User `json:"user"`
}

type Logout struct{}

type AddPatient struct {
	Patient Patient `json:"patient"`
}

// UpdatePatient merges Fields into the patient. At is the modification time;
// the store fills it in when left zero.
type UpdatePatient struct {
	ID     string        `json:"id"`
	Fields PatientFields `json:"updates"`
	At     time.Time     `json:"at"`
}

type DeletePatient struct {
	ID string `json:"id"`
}

type UpdatePatientDetails struct {
	ID     string        `json:"id"`
	Fields DetailsFields `json:"details"`
}

type AddMedicine struct {
	PatientID string   `json:"patientId"`
	Medicine  Medicine `json:"medicine"`
}

type UpdateMedicine struct {
	PatientID  string         `json:"patientId"`
	MedicineID string         `json:"medicineId"`
	Fields     MedicineFields `json:"updates"`
}

type DeleteMedicine struct {
	PatientID  string `json:"patientId"`
	MedicineID string `json:"medicineId"`
}

// LoadData replaces the whole state at startup.
type LoadData struct {
	Patients       []Patient          `json:"patients"`
	PatientDetails map[string]Details `json:"patientDetails"`
	User           *User              `json:"user"`
}

// UnknownAction is produced when decoding an envelope with an unrecognized
// type. Apply ignores it.
type UnknownAction struct {
	Name string
}

func (Login) Type() string                { return TypeLogin }
func (Logout) Type() string               { return TypeLogout }
func (AddPatient) Type() string           { return TypeAddPatient }
func (UpdatePatient) Type() string        { return TypeUpdatePatient }
func (DeletePatient) Type() string        { return TypeDeletePatient }
func (UpdatePatientDetails) Type() string { return TypeUpdatePatientDetails }
func (AddMedicine) Type() string          { return TypeAddMedicine }
func (UpdateMedicine) Type() string       { return TypeUpdateMedicine }
func (DeleteMedicine) Type() string       { return TypeDeleteMedicine }
func (LoadData) Type() string             { return TypeLoadData }
func (u UnknownAction) Type() string      { return u.Name }

func (Login) action()                {}
func (Logout) action()               {}
func (AddPatient) action()           {}
func (UpdatePatient) action()        {}
func (DeletePatient) action()        {}
func (UpdatePatientDetails) action() {}
func (AddMedicine) action()          {}
func (UpdateMedicine) action()       {}
func (DeleteMedicine) action()       {}
func (LoadData) action()             {}
func (UnknownAction) action()        {}

// Envelope is the wire form of an action: {"type": "...", "payload": {...}}.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// EncodeAction renders a into its envelope form.
func EncodeAction(a Action) ([]byte, error) {
	if a == nil {
		return nil, fmt.Errorf("encode action: nil action")
	}
	var payload json.RawMessage
	if _, isLogout := a.(Logout); !isLogout {
		if _, unknown := a.(UnknownAction); !unknown {
			raw, err := json.Marshal(a)
			if err != nil {
				return nil, fmt.Errorf("encode %s payload: %w", a.Type(), err)
			}
			payload = raw
		}
	}
	return json.Marshal(Envelope{Type: a.Type(), Payload: payload})
}

// DecodeAction parses an action envelope. An unrecognized type yields an
// UnknownAction rather than an error; a malformed document or payload is
// an error.
func DecodeAction(data []byte) (Action, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode action envelope: %w", err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("decode action envelope: missing type")
	}

	var target Action
	switch env.Type {
	case TypeLogin:
		target = &Login{}
	case TypeLogout:
		return Logout{}, nil
	case TypeAddPatient:
		target = &AddPatient{}
	case TypeUpdatePatient:
		target = &UpdatePatient{}
	case TypeDeletePatient:
		target = &DeletePatient{}
	case TypeUpdatePatientDetails:
		target = &UpdatePatientDetails{}
	case TypeAddMedicine:
		target = &AddMedicine{}
	case TypeUpdateMedicine:
		target = &UpdateMedicine{}
	case TypeDeleteMedicine:
		target = &DeleteMedicine{}
	case TypeLoadData:
		target = &LoadData{}
	default:
		return UnknownAction{Name: env.Type}, nil
	}

	if len(env.Payload) == 0 {
		return nil, fmt.Errorf("decode %s: missing payload", env.Type)
	}
	if err := json.Unmarshal(env.Payload, target); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", env.Type, err)
	}
	return deref(target), nil
}

// deref turns a pointer action into its value form. A nil pointer becomes a
// nil Action, which Apply ignores.
func deref(a Action) Action {
	switch v := a.(type) {
	case *Login:
		return derefPtr(v)
	case *Logout:
		return derefPtr(v)
	case *AddPatient:
		return derefPtr(v)
	case *UpdatePatient:
		return derefPtr(v)
	case *DeletePatient:
		return derefPtr(v)
	case *UpdatePatientDetails:
		return derefPtr(v)
	case *AddMedicine:
		return derefPtr(v)
	case *UpdateMedicine:
		return derefPtr(v)
	case *DeleteMedicine:
		return derefPtr(v)
	case *LoadData:
		return derefPtr(v)
	case *UnknownAction:
		return derefPtr(v)
	}
	return a
}

func derefPtr[T Action](v *T) Action {
	if v == nil {
		return nil
	}
	return *v
}
