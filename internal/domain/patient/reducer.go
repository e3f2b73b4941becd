package patient

import "time"

// Apply is the transition function. It returns the state produced by
// applying a to s without modifying s; slices and maps that a does not touch
// are shared with the result. Actions that reference missing ids, and any
// action Apply does not recognize, return s unchanged.
func Apply(s State, a Action) State {
	switch act := deref(a).(type) {
	case Login:
		u := act.User
		s.User = &u
		s.Authenticated = true
		return s

	case Logout:
		s.User = nil
		s.Authenticated = false
		return s

	case AddPatient:
		return addPatient(s, act)

	case UpdatePatient:
		return updatePatient(s, act)

	case DeletePatient:
		return deletePatient(s, act.ID)

	case UpdatePatientDetails:
		return updateDetails(s, act.ID, func(d Details) (Details, bool) {
			return act.Fields.apply(d), true
		})

	case AddMedicine:
		return updateDetails(s, act.PatientID, func(d Details) (Details, bool) {
			meds := make([]Medicine, 0, len(d.Medicines)+1)
			meds = append(meds, d.Medicines...)
			d.Medicines = append(meds, act.Medicine)
			return d, true
		})

	case UpdateMedicine:
		return updateDetails(s, act.PatientID, func(d Details) (Details, bool) {
			for i := range d.Medicines {
				if d.Medicines[i].ID != act.MedicineID {
					continue
				}
				meds := append([]Medicine(nil), d.Medicines...)
				meds[i] = act.Fields.apply(meds[i])
				d.Medicines = meds
				return d, true
			}
			return d, false
		})

	case DeleteMedicine:
		return updateDetails(s, act.PatientID, func(d Details) (Details, bool) {
			meds := make([]Medicine, 0, len(d.Medicines))
			for _, m := range d.Medicines {
				if m.ID != act.MedicineID {
					meds = append(meds, m)
				}
			}
			if len(meds) == len(d.Medicines) {
				return d, false
			}
			d.Medicines = meds
			return d, true
		})

	case LoadData:
		s.Patients = act.Patients
		if s.Patients == nil {
			s.Patients = []Patient{}
		}
		s.PatientDetails = act.PatientDetails
		if s.PatientDetails == nil {
			s.PatientDetails = map[string]Details{}
		}
		s.User = nil
		if act.User != nil {
			u := *act.User
			s.User = &u
		}
		s.Authenticated = s.User != nil
		return s
	}
	return s
}

func addPatient(s State, act AddPatient) State {
	p := act.Patient
	if p.ID == "" || s.indexOf(p.ID) >= 0 {
		return s
	}
	// New patients always enter the pipeline as onboarded.
	p.Status = StatusOnboarded

	patients := make([]Patient, 0, len(s.Patients)+1)
	patients = append(patients, s.Patients...)
	s.Patients = append(patients, p)

	details := copyDetails(s.PatientDetails, 1)
	details[p.ID] = newDetails(p)
	s.PatientDetails = details
	return s
}

func updatePatient(s State, act UpdatePatient) State {
	i := s.indexOf(act.ID)
	if i < 0 {
		return s
	}
	if act.Fields.Status != nil && !act.Fields.Status.Valid() {
		return s
	}
	prev := s.Patients[i]
	next := act.Fields.apply(prev)
	next.ID = prev.ID
	next.CreatedAt = prev.CreatedAt
	next.UpdatedAt = laterThan(act.At, prev.UpdatedAt)

	patients := append([]Patient(nil), s.Patients...)
	patients[i] = next
	s.Patients = patients

	// Keep the copy embedded in the details record in step.
	if d, ok := s.PatientDetails[act.ID]; ok {
		details := copyDetails(s.PatientDetails, 0)
		d.Patient = next
		details[act.ID] = d
		s.PatientDetails = details
	}
	return s
}

func deletePatient(s State, id string) State {
	i := s.indexOf(id)
	_, hasDetails := s.PatientDetails[id]
	if i < 0 && !hasDetails {
		return s
	}
	if i >= 0 {
		patients := make([]Patient, 0, len(s.Patients)-1)
		patients = append(patients, s.Patients[:i]...)
		s.Patients = append(patients, s.Patients[i+1:]...)
	}
	if hasDetails {
		details := copyDetails(s.PatientDetails, 0)
		delete(details, id)
		s.PatientDetails = details
	}
	return s
}

// updateDetails runs fn against the details record of an existing patient.
// A patient without a record (data written by older builds) gets a fresh
// one first. fn reports whether it changed anything.
func updateDetails(s State, id string, fn func(Details) (Details, bool)) State {
	i := s.indexOf(id)
	if i < 0 {
		return s
	}
	d, ok := s.PatientDetails[id]
	if !ok {
		d = newDetails(s.Patients[i])
	}
	next, changed := fn(d)
	if !changed {
		return s
	}
	details := copyDetails(s.PatientDetails, 1)
	details[id] = next
	s.PatientDetails = details
	return s
}

func copyDetails(src map[string]Details, extra int) map[string]Details {
	out := make(map[string]Details, len(src)+extra)
	for k, v := range src {
		out[k] = v
	}
	return out
}

// laterThan returns at, or the smallest instant after prev when at would not
// move the timestamp forward.
func laterThan(at, prev time.Time) time.Time {
	if at.IsZero() {
		at = time.Now().UTC()
	}
	if !at.After(prev) {
		return prev.Add(time.Nanosecond)
	}
	return at
}
