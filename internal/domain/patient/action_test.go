package patient

import (
	"encoding/json"
	"reflect"
	"strings"
	"testing"
)

func TestDecodeAction(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want Action
	}{
		{
			"login",
			`{"type":"LOGIN","payload":{"user":{"username":"nurse","name":"Nurse"}}}`,
			Login{User: User{Username: "nurse", Name: "Nurse"}},
		},
		{"logout", `{"type":"LOGOUT"}`, Logout{}},
		{"logout with payload", `{"type":"LOGOUT","payload":{}}`, Logout{}},
		{
			"update patient",
			`{"type":"UPDATE_PATIENT","payload":{"id":"p1","updates":{"status":"on-hold"}}}`,
			UpdatePatient{ID: "p1", Fields: PatientFields{Status: statusPtr(StatusOnHold)}},
		},
		{"delete patient", `{"type":"DELETE_PATIENT","payload":{"id":"p1"}}`, DeletePatient{ID: "p1"}},
		{
			"update details",
			`{"type":"UPDATE_PATIENT_DETAILS","payload":{"id":"p1","details":{"prescriptionFile":"data:x"}}}`,
			UpdatePatientDetails{ID: "p1", Fields: DetailsFields{PrescriptionFile: strPtr("data:x")}},
		},
		{
			"add medicine",
			`{"type":"ADD_MEDICINE","payload":{"patientId":"p1","medicine":{"id":"m1","name":"A","quantity":2,"deliveredQuantity":0,"dailyUsage":1}}}`,
			AddMedicine{PatientID: "p1", Medicine: Medicine{ID: "m1", Name: "A", Quantity: 2, DailyUsage: 1}},
		},
		{
			"update medicine",
			`{"type":"UPDATE_MEDICINE","payload":{"patientId":"p1","medicineId":"m1","updates":{"quantity":5}}}`,
			UpdateMedicine{PatientID: "p1", MedicineID: "m1", Fields: MedicineFields{Quantity: floatPtr(5)}},
		},
		{
			"delete medicine",
			`{"type":"DELETE_MEDICINE","payload":{"patientId":"p1","medicineId":"m1"}}`,
			DeleteMedicine{PatientID: "p1", MedicineID: "m1"},
		},
		{"unknown", `{"type":"RESET","payload":{"x":1}}`, UnknownAction{Name: "RESET"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeAction([]byte(tt.raw))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("expected %#v, got %#v", tt.want, got)
			}
		})
	}
}

func TestDecodeAction_Errors(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantErr string
	}{
		{"not json", `nope`, "envelope"},
		{"missing type", `{"payload":{}}`, "missing type"},
		{"missing payload", `{"type":"ADD_PATIENT"}`, "missing payload"},
		{"bad payload", `{"type":"DELETE_PATIENT","payload":{"id":5}}`, "DELETE_PATIENT payload"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeAction([]byte(tt.raw))
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestEncodeAction_Envelope(t *testing.T) {
	raw, err := EncodeAction(DeleteMedicine{PatientID: "p1", MedicineID: "m1"})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	var env map[string]json.RawMessage
	if err := json.Unmarshal(raw, &env); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if string(env["type"]) != `"DELETE_MEDICINE"` {
		t.Errorf("unexpected type %s", env["type"])
	}
	if string(env["payload"]) != `{"patientId":"p1","medicineId":"m1"}` {
		t.Errorf("unexpected payload %s", env["payload"])
	}

	raw, err = EncodeAction(Logout{})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if string(raw) != `{"type":"LOGOUT"}` {
		t.Errorf("expected bare LOGOUT envelope, got %s", raw)
	}

	if _, err := EncodeAction(nil); err == nil {
		t.Error("expected error for nil action")
	}
}

func TestEncodeDecode_LoadData(t *testing.T) {
	want := LoadData{
		Patients:       []Patient{newPatient("p1", "Amit", StatusOnboarded)},
		PatientDetails: map[string]Details{"p1": newDetails(newPatient("p1", "Amit", StatusOnboarded))},
		User:           &User{Username: "nurse", Name: "Nurse"},
	}
	raw, err := EncodeAction(want)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := DecodeAction(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("expected %+v, got %+v", want, got)
	}
}

func TestEncodeDecode_ClearingListSurvives(t *testing.T) {
	raw, err := EncodeAction(UpdatePatientDetails{ID: "p1", Fields: DetailsFields{Medicines: []Medicine{}}})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := DecodeAction(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	up := got.(UpdatePatientDetails)
	if up.Fields.Medicines == nil {
		t.Error("expected an empty list to stay a clear instruction")
	}
	if up.Fields.PendingAmounts != nil {
		t.Error("expected an absent list to stay absent")
	}
}
