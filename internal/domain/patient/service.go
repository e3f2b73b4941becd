package patient

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
)

var (
	ErrValidation = errors.New("validation failed")
	ErrNotFound   = errors.New("patient not found")
)

// DateLayout is the format of PendingAmount.Date.
const DateLayout = "2006-01-02"

// Geocoder resolves coordinates into an address. ok is false when the
// returned address is the coordinate fallback.
type Geocoder interface {
	Resolve(ctx context.Context, lat, lng float64) (address string, ok bool)
}

// OnboardingData is the onboarding form.
type OnboardingData struct {
	Name   string `json:"name"`
	Mobile string `json:"mobile"`
	City   string `json:"city"`
}

// MedicineInput is one row of the add-medicines form.
type MedicineInput struct {
	Name              string  `json:"name"`
	Quantity          float64 `json:"quantity"`
	DeliveredQuantity float64 `json:"deliveredQuantity"`
	DailyUsage        float64 `json:"dailyUsage"`
	Photo             string  `json:"photo,omitempty"`
}

// View is a patient with its details record and derived figures.
type View struct {
	Patient      Patient        `json:"patient"`
	Details      Details        `json:"details"`
	Medicines    []MedicineView `json:"medicines"`
	PendingTotal float64        `json:"pendingTotal"`
}

// MedicineView adds the days-left figures to a medicine.
type MedicineView struct {
	Medicine
	DaysLeft int       `json:"daysLeft"`
	Tier     StockTier `json:"tier"`
}

// Service validates operator input and turns it into store actions.
type Service struct {
	store    *Store
	geocoder Geocoder
	logger   zerolog.Logger
	latency  time.Duration
	now      func() time.Time
	newID    func() string
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithLatency delays login and onboarding, mimicking a remote call.
func WithLatency(d time.Duration) ServiceOption {
	return func(s *Service) { s.latency = d }
}

// WithServiceClock overrides the service clock.
func WithServiceClock(now func() time.Time) ServiceOption {
	return func(s *Service) { s.now = now }
}

// WithIDGenerator overrides id generation.
func WithIDGenerator(fn func() string) ServiceOption {
	return func(s *Service) { s.newID = fn }
}

func NewService(store *Store, geocoder Geocoder, logger zerolog.Logger, opts ...ServiceOption) *Service {
	s := &Service{
		store:    store,
		geocoder: geocoder,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
		newID:    func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Store returns the underlying store.
func (s *Service) Store() *Store { return s.store }

func validationError(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

func (s *Service) wait(ctx context.Context) error {
	if s.latency <= 0 {
		return nil
	}
	t := time.NewTimer(s.latency)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// -- Session --

// Login accepts any non-empty credentials.
func (s *Service) Login(ctx context.Context, username, password string) (User, error) {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return User{}, validationError("please fill in all fields")
	}
	if err := s.wait(ctx); err != nil {
		return User{}, err
	}
	u := User{Username: username, Name: displayName(username)}
	s.store.Dispatch(Login{User: u})
	s.logger.Info().Str("username", username).Msg("operator signed in")
	return u, nil
}

func displayName(username string) string {
	r, size := utf8.DecodeRuneInString(username)
	if r == utf8.RuneError {
		return username
	}
	return string(unicode.ToUpper(r)) + username[size:]
}

func (s *Service) Logout(_ context.Context) {
	s.store.Dispatch(Logout{})
}

// CurrentUser reports the signed-in operator.
func (s *Service) CurrentUser() (username, name string, ok bool) {
	st := s.store.State()
	if !st.Authenticated || st.User == nil {
		return "", "", false
	}
	return st.User.Username, st.User.Name, true
}

// -- Patients --

// Onboard creates a patient in the onboarded stage.
func (s *Service) Onboard(ctx context.Context, in OnboardingData) (Patient, error) {
	in.Name = strings.TrimSpace(in.Name)
	in.Mobile = strings.TrimSpace(in.Mobile)
	in.City = strings.TrimSpace(in.City)
	if in.Name == "" || in.Mobile == "" || in.City == "" {
		return Patient{}, validationError("please fill in all fields")
	}
	if err := s.wait(ctx); err != nil {
		return Patient{}, err
	}

	now := s.now()
	p := Patient{
		ID:        s.newID(),
		Name:      in.Name,
		Mobile:    in.Mobile,
		City:      in.City,
		Status:    StatusOnboarded,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.store.Dispatch(AddPatient{Patient: p})
	s.logger.Info().Str("patient_id", p.ID).Msg("patient onboarded")
	return p, nil
}

// Get returns a patient with its details and derived figures.
func (s *Service) Get(_ context.Context, id string) (*View, error) {
	st := s.store.State()
	p, ok := st.FindPatient(id)
	if !ok {
		return nil, ErrNotFound
	}
	d, ok := st.FindDetails(id)
	if !ok {
		d = newDetails(p)
	}
	d.Patient = p

	meds := lo.Map(d.Medicines, func(m Medicine, _ int) MedicineView {
		days := DaysLeft(m)
		return MedicineView{Medicine: m, DaysLeft: days, Tier: Tier(days)}
	})
	return &View{
		Patient:      p,
		Details:      d,
		Medicines:    meds,
		PendingTotal: PendingTotal(d),
	}, nil
}

// List returns the patients in status matching query.
func (s *Service) List(_ context.Context, status Status, query string) ([]Patient, error) {
	if !status.Valid() {
		return nil, validationError("unknown status %q", status)
	}
	return FilterByStatus(s.store.State().Patients, status, query), nil
}

// Counts returns the number of patients per status.
func (s *Service) Counts(_ context.Context) map[Status]int {
	return CountByStatus(s.store.State().Patients)
}

// EditPatient merges fields into the patient. Unknown ids are ignored.
func (s *Service) EditPatient(_ context.Context, id string, fields PatientFields) error {
	if fields.Empty() {
		return validationError("no fields to update")
	}
	if fields.Status != nil && !fields.Status.Valid() {
		return validationError("unknown status %q", *fields.Status)
	}
	var err error
	if fields.Name, err = trimRequired("name", fields.Name); err != nil {
		return err
	}
	if fields.Mobile, err = trimRequired("mobile", fields.Mobile); err != nil {
		return err
	}
	if fields.City, err = trimRequired("city", fields.City); err != nil {
		return err
	}
	s.store.Dispatch(UpdatePatient{ID: id, Fields: fields})
	return nil
}

func trimRequired(field string, v *string) (*string, error) {
	if v == nil {
		return nil, nil
	}
	trimmed := strings.TrimSpace(*v)
	if trimmed == "" {
		return nil, validationError("%s cannot be empty", field)
	}
	return &trimmed, nil
}

// ChangeStatus moves a patient to another stage. Any stage may follow any
// other, including leaving archived.
func (s *Service) ChangeStatus(ctx context.Context, id string, status Status) error {
	return s.EditPatient(ctx, id, PatientFields{Status: &status})
}

func (s *Service) Archive(ctx context.Context, id string) error {
	return s.ChangeStatus(ctx, id, StatusArchived)
}

// DeletePatient removes a patient and its details record.
func (s *Service) DeletePatient(_ context.Context, id string) {
	s.store.Dispatch(DeletePatient{ID: id})
	s.logger.Info().Str("patient_id", id).Msg("patient deleted")
}

// -- Details --

func (s *Service) UpdateDetails(_ context.Context, id string, fields DetailsFields) error {
	if fields.PendingAmounts != nil {
		for _, p := range fields.PendingAmounts {
			if err := validatePending(p.Amount, p.Date); err != nil {
				return err
			}
		}
	}
	if fields.ShippingAddress != nil {
		if err := validateCoordinates(fields.ShippingAddress.Lat, fields.ShippingAddress.Lng); err != nil {
			return err
		}
	}
	s.store.Dispatch(UpdatePatientDetails{ID: id, Fields: fields})
	return nil
}

// UploadPrescription stores an encoded prescription file.
func (s *Service) UploadPrescription(_ context.Context, id, dataURL string) error {
	if !strings.HasPrefix(dataURL, "data:") {
		return validationError("prescription must be a data URL")
	}
	s.store.Dispatch(UpdatePatientDetails{ID: id, Fields: DetailsFields{PrescriptionFile: &dataURL}})
	return nil
}

// -- Medicines --

// AddMedicines adds every row that has a name. Rows without a name are
// dropped; it is an error if none remain.
func (s *Service) AddMedicines(_ context.Context, patientID string, rows []MedicineInput) ([]Medicine, error) {
	var meds []Medicine
	for _, row := range rows {
		name := strings.TrimSpace(row.Name)
		if name == "" {
			continue
		}
		if row.Quantity < 0 || row.DeliveredQuantity < 0 {
			return nil, validationError("quantities cannot be negative")
		}
		usage := row.DailyUsage
		if usage == 0 {
			usage = 1
		}
		if usage < 0 {
			return nil, validationError("daily usage must be positive")
		}
		meds = append(meds, Medicine{
			ID:                s.newID(),
			Name:              name,
			Quantity:          row.Quantity,
			DeliveredQuantity: row.DeliveredQuantity,
			DailyUsage:        usage,
			Photo:             row.Photo,
		})
	}
	if len(meds) == 0 {
		return nil, validationError("please fill all required fields")
	}
	for _, m := range meds {
		s.store.Dispatch(AddMedicine{PatientID: patientID, Medicine: m})
	}
	return meds, nil
}

func (s *Service) UpdateMedicine(_ context.Context, patientID, medicineID string, fields MedicineFields) error {
	if fields.Name != nil {
		name := strings.TrimSpace(*fields.Name)
		if name == "" {
			return validationError("medicine name cannot be empty")
		}
		fields.Name = &name
	}
	if (fields.Quantity != nil && *fields.Quantity < 0) || (fields.DeliveredQuantity != nil && *fields.DeliveredQuantity < 0) {
		return validationError("quantities cannot be negative")
	}
	if fields.DailyUsage != nil && *fields.DailyUsage <= 0 {
		return validationError("daily usage must be positive")
	}
	s.store.Dispatch(UpdateMedicine{PatientID: patientID, MedicineID: medicineID, Fields: fields})
	return nil
}

func (s *Service) SetMedicinePhoto(ctx context.Context, patientID, medicineID, dataURL string) error {
	if !strings.HasPrefix(dataURL, "data:") {
		return validationError("photo must be a data URL")
	}
	return s.UpdateMedicine(ctx, patientID, medicineID, MedicineFields{Photo: &dataURL})
}

func (s *Service) DeleteMedicine(_ context.Context, patientID, medicineID string) {
	s.store.Dispatch(DeleteMedicine{PatientID: patientID, MedicineID: medicineID})
}

// -- Pending amounts --

func validatePending(amount float64, date string) error {
	if amount <= 0 || math.IsNaN(amount) || math.IsInf(amount, 0) || strings.TrimSpace(date) == "" {
		return validationError("please enter a valid amount and date")
	}
	if _, err := time.Parse(DateLayout, date); err != nil {
		return validationError("date must be YYYY-MM-DD")
	}
	return nil
}

// AddPendingAmount appends a payment entry to the patient's list. The list
// is rebuilt from the state current at dispatch time, so concurrent adds
// are all kept.
func (s *Service) AddPendingAmount(_ context.Context, patientID string, amount float64, date, note string) (*PendingAmount, error) {
	date = strings.TrimSpace(date)
	if err := validatePending(amount, date); err != nil {
		return nil, err
	}
	entry := PendingAmount{
		ID:        s.newID(),
		Amount:    amount,
		Date:      date,
		Note:      strings.TrimSpace(note),
		CreatedAt: s.now(),
	}
	_, ok := s.store.Update(func(st State) (Action, bool) {
		if _, ok := st.FindPatient(patientID); !ok {
			return nil, false
		}
		current := st.PatientDetails[patientID].PendingAmounts
		list := make([]PendingAmount, 0, len(current)+1)
		list = append(list, current...)
		list = append(list, entry)
		return UpdatePatientDetails{ID: patientID, Fields: DetailsFields{PendingAmounts: list}}, true
	})
	if !ok {
		return nil, ErrNotFound
	}
	return &entry, nil
}

// DeletePendingAmount removes one payment entry. Unknown ids are ignored.
func (s *Service) DeletePendingAmount(_ context.Context, patientID, pendingID string) {
	s.store.Update(func(st State) (Action, bool) {
		d, ok := st.FindDetails(patientID)
		if !ok {
			return nil, false
		}
		list := make([]PendingAmount, 0, len(d.PendingAmounts))
		for _, p := range d.PendingAmounts {
			if p.ID != pendingID {
				list = append(list, p)
			}
		}
		if len(list) == len(d.PendingAmounts) {
			return nil, false
		}
		return UpdatePatientDetails{ID: patientID, Fields: DetailsFields{PendingAmounts: list}}, true
	})
}

// -- Location --

func validateCoordinates(lat, lng float64) error {
	if math.IsNaN(lat) || math.IsNaN(lng) || lat < -90 || lat > 90 || lng < -180 || lng > 180 {
		return validationError("coordinates out of range")
	}
	return nil
}

// SetShippingLocation resolves the coordinates into an address and stores
// it. Unknown patients are rejected before any lookup. Geocoding failures
// fall back to the coordinates themselves.
func (s *Service) SetShippingLocation(ctx context.Context, patientID string, lat, lng float64) (*ShippingAddress, bool, error) {
	if err := validateCoordinates(lat, lng); err != nil {
		return nil, false, err
	}
	if _, ok := s.store.State().FindPatient(patientID); !ok {
		return nil, false, ErrNotFound
	}
	address, resolved := s.geocoder.Resolve(ctx, lat, lng)
	addr := ShippingAddress{Address: address, Lat: lat, Lng: lng}
	s.store.Dispatch(UpdatePatientDetails{ID: patientID, Fields: DetailsFields{ShippingAddress: &addr}})
	return &addr, resolved, nil
}

// Dispatch applies a raw action as given. It backs the action endpoint and
// the replay command.
func (s *Service) Dispatch(_ context.Context, a Action) State {
	return s.store.Dispatch(a)
}
