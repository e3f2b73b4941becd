package patient

import (
	"fmt"
	"time"
)

// Status is the pipeline stage a patient is in.
type Status string

const (
	StatusOnboarded Status = "onboarded"
	StatusOnHold    Status = "on-hold"
	StatusFuture    Status = "future"
	StatusDelivered Status = "delivered"
	StatusStockOut  Status = "stock-out"
	StatusArchived  Status = "archived"
)

// Statuses lists every status in dashboard tab order.
var Statuses = []Status{
	StatusOnboarded,
	StatusOnHold,
	StatusFuture,
	StatusDelivered,
	StatusStockOut,
	StatusArchived,
}

var statusLabels = map[Status]string{
	StatusOnboarded: "Onboarded",
	StatusOnHold:    "On Hold",
	StatusFuture:    "Future",
	StatusDelivered: "Delivered",
	StatusStockOut:  "Stock Out",
	StatusArchived:  "Archived",
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	_, ok := statusLabels[s]
	return ok
}

// Label returns the human readable tab label.
func (s Status) Label() string {
	if l, ok := statusLabels[s]; ok {
		return l
	}
	return string(s)
}

// ParseStatus converts a raw string into a Status.
func ParseStatus(raw string) (Status, error) {
	s := Status(raw)
	if !s.Valid() {
		return "", fmt.Errorf("%w: unknown status %q", ErrValidation, raw)
	}
	return s, nil
}

// User is the signed-in operator. Credentials are never stored.
type User struct {
	Username string `json:"username"`
	Name     string `json:"name"`
}

// Patient is a row in the dashboard pipeline.
type Patient struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Mobile    string    `json:"mobile"`
	City      string    `json:"city"`
	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// ShippingAddress is the delivery location captured for a patient.
type ShippingAddress struct {
	Address string  `json:"address"`
	Lat     float64 `json:"lat"`
	Lng     float64 `json:"lng"`
}

// Medicine is owned by exactly one details record.
type Medicine struct {
	ID                string  `json:"id"`
	Name              string  `json:"name"`
	Quantity          float64 `json:"quantity"`
	DeliveredQuantity float64 `json:"deliveredQuantity"`
	DailyUsage        float64 `json:"dailyUsage"`
	Photo             string  `json:"photo,omitempty"`
}

// PendingAmount is an outstanding payment entry.
type PendingAmount struct {
	ID        string    `json:"id"`
	Amount    float64   `json:"amount"`
	Date      string    `json:"date"`
	Note      string    `json:"note,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Details is the extended per-patient record. It carries a copy of the
// patient fields alongside the owned child collections.
type Details struct {
	Patient
	PrescriptionFile string           `json:"prescriptionFile,omitempty"`
	Medicines        []Medicine       `json:"medicines"`
	PendingAmount    float64          `json:"pendingAmount"` // legacy, superseded by PendingAmounts
	PendingAmounts   []PendingAmount  `json:"pendingAmounts"`
	ShippingAddress  *ShippingAddress `json:"shippingAddress,omitempty"`
}

func newDetails(p Patient) Details {
	return Details{
		Patient:        p,
		Medicines:      []Medicine{},
		PendingAmounts: []PendingAmount{},
	}
}

// PatientFields is a partial patient update. Nil fields are left untouched.
type PatientFields struct {
	Name   *string `json:"name,omitempty"`
	Mobile *string `json:"mobile,omitempty"`
	City   *string `json:"city,omitempty"`
	Status *Status `json:"status,omitempty"`
}

// Empty reports whether no field is set.
func (f PatientFields) Empty() bool {
	return f.Name == nil && f.Mobile == nil && f.City == nil && f.Status == nil
}

func (f PatientFields) apply(p Patient) Patient {
	if f.Name != nil {
		p.Name = *f.Name
	}
	if f.Mobile != nil {
		p.Mobile = *f.Mobile
	}
	if f.City != nil {
		p.City = *f.City
	}
	if f.Status != nil {
		p.Status = *f.Status
	}
	return p
}

// DetailsFields is a partial details update. Pointer fields are applied when
// non-nil; slice fields replace the stored list when non-nil, so an empty
// non-nil slice clears it.
type DetailsFields struct {
	PrescriptionFile *string          `json:"prescriptionFile,omitempty"`
	Medicines        []Medicine       `json:"medicines"`
	PendingAmount    *float64         `json:"pendingAmount,omitempty"`
	PendingAmounts   []PendingAmount  `json:"pendingAmounts"`
	ShippingAddress  *ShippingAddress `json:"shippingAddress,omitempty"`
}

func (f DetailsFields) apply(d Details) Details {
	if f.PrescriptionFile != nil {
		d.PrescriptionFile = *f.PrescriptionFile
	}
	if f.Medicines != nil {
		d.Medicines = append(make([]Medicine, 0, len(f.Medicines)), f.Medicines...)
	}
	if f.PendingAmount != nil {
		d.PendingAmount = *f.PendingAmount
	}
	if f.PendingAmounts != nil {
		d.PendingAmounts = append(make([]PendingAmount, 0, len(f.PendingAmounts)), f.PendingAmounts...)
	}
	if f.ShippingAddress != nil {
		addr := *f.ShippingAddress
		d.ShippingAddress = &addr
	}
	return d
}

// MedicineFields is a partial medicine update.
type MedicineFields struct {
	Name              *string  `json:"name,omitempty"`
	Quantity          *float64 `json:"quantity,omitempty"`
	DeliveredQuantity *float64 `json:"deliveredQuantity,omitempty"`
	DailyUsage        *float64 `json:"dailyUsage,omitempty"`
	Photo             *string  `json:"photo,omitempty"`
}

func (f MedicineFields) apply(m Medicine) Medicine {
	if f.Name != nil {
		m.Name = *f.Name
	}
	if f.Quantity != nil {
		m.Quantity = *f.Quantity
	}
	if f.DeliveredQuantity != nil {
		m.DeliveredQuantity = *f.DeliveredQuantity
	}
	if f.DailyUsage != nil {
		m.DailyUsage = *f.DailyUsage
	}
	if f.Photo != nil {
		m.Photo = *f.Photo
	}
	return m
}

// State is the whole store value. Treat it as immutable: Apply returns a
// new State and never writes through the slices or maps of its input.
type State struct {
	User           *User              `json:"user"`
	Patients       []Patient          `json:"patients"`
	PatientDetails map[string]Details `json:"patientDetails"`
	Authenticated  bool               `json:"authenticated"`
}

// NewState returns the empty initial state.
func NewState() State {
	return State{
		Patients:       []Patient{},
		PatientDetails: map[string]Details{},
	}
}

// FindPatient returns the patient with the given id.
func (s State) FindPatient(id string) (Patient, bool) {
	if i := s.indexOf(id); i >= 0 {
		return s.Patients[i], true
	}
	return Patient{}, false
}

// FindDetails returns the details record for id.
func (s State) FindDetails(id string) (Details, bool) {
	d, ok := s.PatientDetails[id]
	return d, ok
}

func (s State) indexOf(id string) int {
	for i := range s.Patients {
		if s.Patients[i].ID == id {
			return i
		}
	}
	return -1
}
