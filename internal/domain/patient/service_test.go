package patient

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type mockGeocoder struct {
	address string
	ok      bool
	calls   int
}

func (m *mockGeocoder) Resolve(_ context.Context, lat, lng float64) (string, bool) {
	m.calls++
	if !m.ok {
		return fmt.Sprintf("Lat: %.6f, Lng: %.6f", lat, lng), false
	}
	return m.address, true
}

func newTestService(opts ...ServiceOption) (*Service, *mockGeocoder) {
	geo := &mockGeocoder{address: "MG Road, Pune", ok: true}
	n := 0
	base := []ServiceOption{
		WithServiceClock(func() time.Time { return t0 }),
		WithIDGenerator(func() string {
			n++
			return fmt.Sprintf("id-%d", n)
		}),
	}
	store := NewStore(WithClock(func() time.Time { return t0.Add(time.Hour) }))
	return NewService(store, geo, zerolog.Nop(), append(base, opts...)...), geo
}

func TestService_Login(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	if _, err := svc.Login(ctx, "  ", "pw"); !errors.Is(err, ErrValidation) {
		t.Errorf("expected validation error for blank username, got %v", err)
	}
	if _, err := svc.Login(ctx, "nurse", ""); !errors.Is(err, ErrValidation) {
		t.Errorf("expected validation error for blank password, got %v", err)
	}
	if _, _, ok := svc.CurrentUser(); ok {
		t.Fatal("expected nobody signed in after failed logins")
	}

	u, err := svc.Login(ctx, "priya", "secret")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if u.Name != "Priya" {
		t.Errorf("expected display name Priya, got %q", u.Name)
	}
	username, name, ok := svc.CurrentUser()
	if !ok || username != "priya" || name != "Priya" {
		t.Errorf("unexpected current user %q %q %v", username, name, ok)
	}

	svc.Logout(ctx)
	if _, _, ok := svc.CurrentUser(); ok {
		t.Error("expected signed out")
	}
}

func TestDisplayName(t *testing.T) {
	tests := map[string]string{
		"priya":  "Priya",
		"Priya":  "Priya",
		"élodie": "Élodie",
		"7up":    "7up",
	}
	for in, want := range tests {
		if got := displayName(in); got != want {
			t.Errorf("displayName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestService_LatencyRespectsContext(t *testing.T) {
	svc, _ := newTestService(WithLatency(time.Hour))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := svc.Login(ctx, "nurse", "pw"); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if _, _, ok := svc.CurrentUser(); ok {
		t.Error("expected no dispatch after cancellation")
	}
	if _, err := svc.Onboard(ctx, OnboardingData{Name: "A", Mobile: "1", City: "C"}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if len(svc.Store().State().Patients) != 0 {
		t.Error("expected no patient after cancellation")
	}
}

func TestService_Onboard(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	if _, err := svc.Onboard(ctx, OnboardingData{Name: "Amit", Mobile: " ", City: "Pune"}); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}

	p, err := svc.Onboard(ctx, OnboardingData{Name: " Amit ", Mobile: "9811111111", City: "Pune"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.ID != "id-1" || p.Name != "Amit" || p.Status != StatusOnboarded {
		t.Errorf("unexpected patient %+v", p)
	}
	if !p.CreatedAt.Equal(t0) || !p.UpdatedAt.Equal(t0) {
		t.Errorf("expected timestamps from the service clock, got %+v", p)
	}

	v, err := svc.Get(ctx, p.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(v.Details.Medicines) != 0 || v.Medicines == nil || v.PendingTotal != 0 {
		t.Errorf("unexpected view %+v", v)
	}
}

func TestService_GetNotFound(t *testing.T) {
	svc, _ := newTestService()
	if _, err := svc.Get(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestService_ListAndCounts(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	a, _ := svc.Onboard(ctx, OnboardingData{Name: "Amit", Mobile: "1", City: "Delhi"})
	svc.Onboard(ctx, OnboardingData{Name: "Sara", Mobile: "2", City: "Pune"})
	if err := svc.ChangeStatus(ctx, a.ID, StatusOnHold); err != nil {
		t.Fatalf("change status: %v", err)
	}

	onHold, err := svc.List(ctx, StatusOnHold, "ami")
	if err != nil || len(onHold) != 1 || onHold[0].Name != "Amit" {
		t.Errorf("unexpected on-hold list %+v (%v)", onHold, err)
	}
	if _, err := svc.List(ctx, "lost", ""); !errors.Is(err, ErrValidation) {
		t.Errorf("expected validation error for unknown status, got %v", err)
	}

	counts := svc.Counts(ctx)
	if counts[StatusOnboarded] != 1 || counts[StatusOnHold] != 1 {
		t.Errorf("unexpected counts %v", counts)
	}
}

func TestService_EditPatient(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	p, _ := svc.Onboard(ctx, OnboardingData{Name: "Amit", Mobile: "1", City: "Delhi"})

	tests := []struct {
		name   string
		fields PatientFields
	}{
		{"empty", PatientFields{}},
		{"blank name", PatientFields{Name: strPtr("  ")}},
		{"unknown status", PatientFields{Status: statusPtr("lost")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := svc.EditPatient(ctx, p.ID, tt.fields); !errors.Is(err, ErrValidation) {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}

	city := " Mumbai "
	if err := svc.EditPatient(ctx, p.ID, PatientFields{City: &city}); err != nil {
		t.Fatalf("edit: %v", err)
	}
	if city != " Mumbai " {
		t.Error("caller's value must not be modified")
	}
	got, _ := svc.Store().State().FindPatient(p.ID)
	if got.City != "Mumbai" {
		t.Errorf("expected trimmed city, got %q", got.City)
	}
	if !got.UpdatedAt.Equal(t0.Add(time.Hour)) {
		t.Errorf("expected updatedAt from the store clock, got %s", got.UpdatedAt)
	}

	// Unknown ids are silently ignored.
	if err := svc.EditPatient(ctx, "ghost", PatientFields{City: &city}); err != nil {
		t.Errorf("expected no error for unknown id, got %v", err)
	}
}

func TestService_ArchiveAndDelete(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	p, _ := svc.Onboard(ctx, OnboardingData{Name: "Amit", Mobile: "1", City: "Delhi"})

	if err := svc.Archive(ctx, p.ID); err != nil {
		t.Fatalf("archive: %v", err)
	}
	if got, _ := svc.Store().State().FindPatient(p.ID); got.Status != StatusArchived {
		t.Errorf("expected archived, got %s", got.Status)
	}

	svc.DeletePatient(ctx, p.ID)
	st := svc.Store().State()
	if _, ok := st.FindPatient(p.ID); ok {
		t.Error("expected patient deleted")
	}
	if _, ok := st.FindDetails(p.ID); ok {
		t.Error("expected details deleted")
	}
}

func TestService_AddMedicines(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	p, _ := svc.Onboard(ctx, OnboardingData{Name: "Amit", Mobile: "1", City: "Delhi"})

	if _, err := svc.AddMedicines(ctx, p.ID, []MedicineInput{{Name: "  "}}); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error for only blank rows, got %v", err)
	}
	if _, err := svc.AddMedicines(ctx, p.ID, []MedicineInput{{Name: "A", Quantity: -1}}); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error for negative quantity, got %v", err)
	}
	if _, err := svc.AddMedicines(ctx, p.ID, []MedicineInput{{Name: "A", DailyUsage: -1}}); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error for negative usage, got %v", err)
	}

	meds, err := svc.AddMedicines(ctx, p.ID, []MedicineInput{
		{Name: "Metformin", Quantity: 30, DeliveredQuantity: 10, DailyUsage: 4},
		{Name: ""},
		{Name: "Aspirin", Quantity: 10},
	})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if len(meds) != 2 {
		t.Fatalf("expected blank row dropped, got %+v", meds)
	}
	if meds[1].DailyUsage != 1 {
		t.Errorf("expected default daily usage 1, got %v", meds[1].DailyUsage)
	}

	v, _ := svc.Get(ctx, p.ID)
	if len(v.Medicines) != 2 {
		t.Fatalf("expected 2 medicines, got %d", len(v.Medicines))
	}
	if v.Medicines[0].DaysLeft != 5 || v.Medicines[0].Tier != TierWarning {
		t.Errorf("unexpected derived figures %+v", v.Medicines[0])
	}
	if v.Medicines[1].DaysLeft != 10 || v.Medicines[1].Tier != TierHealthy {
		t.Errorf("unexpected derived figures %+v", v.Medicines[1])
	}
}

func TestService_UpdateAndDeleteMedicine(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	p, _ := svc.Onboard(ctx, OnboardingData{Name: "Amit", Mobile: "1", City: "Delhi"})
	meds, _ := svc.AddMedicines(ctx, p.ID, []MedicineInput{{Name: "A", Quantity: 10, DailyUsage: 1}})
	m := meds[0]

	if err := svc.UpdateMedicine(ctx, p.ID, m.ID, MedicineFields{DailyUsage: floatPtr(0)}); !errors.Is(err, ErrValidation) {
		t.Errorf("expected validation error for zero usage, got %v", err)
	}
	if err := svc.UpdateMedicine(ctx, p.ID, m.ID, MedicineFields{Name: strPtr(" ")}); !errors.Is(err, ErrValidation) {
		t.Errorf("expected validation error for blank name, got %v", err)
	}
	if err := svc.UpdateMedicine(ctx, p.ID, m.ID, MedicineFields{DeliveredQuantity: floatPtr(4)}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := svc.SetMedicinePhoto(ctx, p.ID, m.ID, "not-a-data-url"); !errors.Is(err, ErrValidation) {
		t.Errorf("expected validation error for a bad photo, got %v", err)
	}
	if err := svc.SetMedicinePhoto(ctx, p.ID, m.ID, "data:image/png;base64,AA=="); err != nil {
		t.Fatalf("photo: %v", err)
	}

	d, _ := svc.Store().State().FindDetails(p.ID)
	if d.Medicines[0].DeliveredQuantity != 4 || d.Medicines[0].Photo == "" {
		t.Errorf("unexpected medicine %+v", d.Medicines[0])
	}

	svc.DeleteMedicine(ctx, p.ID, m.ID)
	d, _ = svc.Store().State().FindDetails(p.ID)
	if len(d.Medicines) != 0 {
		t.Errorf("expected medicine removed, got %+v", d.Medicines)
	}
}

func TestService_PendingAmounts(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	p, _ := svc.Onboard(ctx, OnboardingData{Name: "Amit", Mobile: "1", City: "Delhi"})

	invalid := []struct {
		amount float64
		date   string
	}{
		{0, "2024-05-01"},
		{-5, "2024-05-01"},
		{10, ""},
		{10, "01/05/2024"},
	}
	for _, in := range invalid {
		if _, err := svc.AddPendingAmount(ctx, p.ID, in.amount, in.date, ""); !errors.Is(err, ErrValidation) {
			t.Errorf("AddPendingAmount(%v, %q): expected validation error, got %v", in.amount, in.date, err)
		}
	}
	if _, err := svc.AddPendingAmount(ctx, "ghost", 10, "2024-05-01", ""); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	first, err := svc.AddPendingAmount(ctx, p.ID, 100, "2024-05-01", "  ")
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if first.Note != "" {
		t.Errorf("expected blank note dropped, got %q", first.Note)
	}
	if _, err := svc.AddPendingAmount(ctx, p.ID, 50.5, "2024-05-02", " courier "); err != nil {
		t.Fatalf("add: %v", err)
	}

	v, _ := svc.Get(ctx, p.ID)
	if v.PendingTotal != 150.5 {
		t.Errorf("expected total 150.5, got %v", v.PendingTotal)
	}
	if v.Details.PendingAmounts[1].Note != "courier" {
		t.Errorf("expected trimmed note, got %q", v.Details.PendingAmounts[1].Note)
	}

	svc.DeletePendingAmount(ctx, p.ID, first.ID)
	svc.DeletePendingAmount(ctx, p.ID, "missing")
	v, _ = svc.Get(ctx, p.ID)
	if len(v.Details.PendingAmounts) != 1 || v.PendingTotal != 50.5 {
		t.Errorf("unexpected pending amounts %+v", v.Details.PendingAmounts)
	}
}

func TestService_UpdateDetailsValidation(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	p, _ := svc.Onboard(ctx, OnboardingData{Name: "Amit", Mobile: "1", City: "Delhi"})

	bad := []DetailsFields{
		{PendingAmounts: []PendingAmount{{Amount: 0, Date: "2024-05-01"}}},
		{ShippingAddress: &ShippingAddress{Lat: 91}},
		{ShippingAddress: &ShippingAddress{Lng: -181}},
	}
	for i, f := range bad {
		if err := svc.UpdateDetails(ctx, p.ID, f); !errors.Is(err, ErrValidation) {
			t.Errorf("case %d: expected validation error, got %v", i, err)
		}
	}

	if err := svc.UploadPrescription(ctx, p.ID, "plain text"); !errors.Is(err, ErrValidation) {
		t.Errorf("expected validation error for non data URL, got %v", err)
	}
	if err := svc.UploadPrescription(ctx, p.ID, "data:application/pdf;base64,JVBERi0="); err != nil {
		t.Fatalf("upload: %v", err)
	}
	d, _ := svc.Store().State().FindDetails(p.ID)
	if d.PrescriptionFile == "" {
		t.Error("expected prescription stored")
	}
}

func TestService_SetShippingLocation(t *testing.T) {
	svc, geo := newTestService()
	ctx := context.Background()
	p, _ := svc.Onboard(ctx, OnboardingData{Name: "Amit", Mobile: "1", City: "Delhi"})

	addr, resolved, err := svc.SetShippingLocation(ctx, p.ID, 18.52, 73.85)
	if err != nil {
		t.Fatalf("locate: %v", err)
	}
	if !resolved || addr.Address != "MG Road, Pune" {
		t.Errorf("unexpected result %+v %v", addr, resolved)
	}

	geo.ok = false
	addr, resolved, err = svc.SetShippingLocation(ctx, p.ID, 18.52, 73.85)
	if err != nil {
		t.Fatalf("locate: %v", err)
	}
	if resolved || addr.Address != "Lat: 18.520000, Lng: 73.850000" {
		t.Errorf("expected coordinate fallback, got %+v", addr)
	}
	d, _ := svc.Store().State().FindDetails(p.ID)
	if d.ShippingAddress == nil || d.ShippingAddress.Address != addr.Address {
		t.Errorf("expected fallback address stored, got %+v", d.ShippingAddress)
	}

	calls := geo.calls
	if _, _, err := svc.SetShippingLocation(ctx, "ghost", 1, 1); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if _, _, err := svc.SetShippingLocation(ctx, p.ID, 100, 0); !errors.Is(err, ErrValidation) {
		t.Errorf("expected validation error, got %v", err)
	}
	if geo.calls != calls {
		t.Error("expected no lookup for rejected requests")
	}
}

func TestService_Dispatch(t *testing.T) {
	svc, _ := newTestService()
	st := svc.Dispatch(context.Background(), AddPatient{Patient: newPatient("p9", "Raw", StatusFuture)})
	if p, ok := st.FindPatient("p9"); !ok || p.Status != StatusOnboarded {
		t.Errorf("expected raw action applied as onboarded, got %+v", st.Patients)
	}
}

func TestService_PendingAmountsConcurrent(t *testing.T) {
	var seq atomic.Int64
	svc, _ := newTestService(WithIDGenerator(func() string {
		return fmt.Sprintf("pa-%d", seq.Add(1))
	}))
	ctx := context.Background()
	p, err := svc.Onboard(ctx, OnboardingData{Name: "Amit", Mobile: "98", City: "Pune"})
	if err != nil {
		t.Fatalf("onboard: %v", err)
	}

	const adds = 200
	var wg sync.WaitGroup
	ids := make(chan string, adds)
	for i := 0; i < adds; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			entry, err := svc.AddPendingAmount(ctx, p.ID, 10, "2024-01-01", "")
			if err != nil {
				t.Errorf("add: %v", err)
				return
			}
			ids <- entry.ID
		}()
	}
	wg.Wait()
	close(ids)

	v, err := svc.Get(ctx, p.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(v.Details.PendingAmounts) != adds || v.PendingTotal != 10*adds {
		t.Fatalf("expected %d entries totalling %d, got %d totalling %v", adds, 10*adds, len(v.Details.PendingAmounts), v.PendingTotal)
	}

	// Delete half of them concurrently; the rest must survive.
	n := 0
	for id := range ids {
		if n%2 == 0 {
			wg.Add(1)
			go func(id string) {
				defer wg.Done()
				svc.DeletePendingAmount(ctx, p.ID, id)
			}(id)
		}
		n++
	}
	wg.Wait()

	v, _ = svc.Get(ctx, p.ID)
	if len(v.Details.PendingAmounts) != adds/2 {
		t.Errorf("expected %d entries after deletes, got %d", adds/2, len(v.Details.PendingAmounts))
	}
}
