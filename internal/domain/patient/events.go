package patient

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"github.com/medsupply/patientdesk/internal/platform/websocket"
)

const EventStateChanged = "state.changed"

type changeSummary struct {
	Patients      int            `json:"patients"`
	Counts        map[Status]int `json:"counts"`
	Authenticated bool           `json:"authenticated"`
}

// subjectID returns the patient an action targets, if any.
func subjectID(a Action) string {
	switch act := a.(type) {
	case AddPatient:
		return act.Patient.ID
	case UpdatePatient:
		return act.ID
	case DeletePatient:
		return act.ID
	case UpdatePatientDetails:
		return act.ID
	case AddMedicine:
		return act.PatientID
	case UpdateMedicine:
		return act.PatientID
	case DeleteMedicine:
		return act.PatientID
	}
	return ""
}

func topicsFor(a Action) []string {
	switch a.(type) {
	case Login, Logout:
		return []string{websocket.TopicSession}
	case LoadData:
		return []string{websocket.TopicSession, websocket.TopicPatients}
	case UnknownAction, nil:
		return nil
	}
	topics := []string{websocket.TopicPatients}
	if id := subjectID(a); id != "" {
		topics = append(topics, websocket.PatientTopic(id))
	}
	return topics
}

// EventObserver returns a Listener that publishes a state.changed event for
// every recognized action.
func EventObserver(pub websocket.EventPublisher, logger zerolog.Logger) Listener {
	return func(a Action, s State) {
		topics := topicsFor(a)
		if len(topics) == 0 {
			return
		}
		data, err := json.Marshal(changeSummary{
			Patients:      len(s.Patients),
			Counts:        CountByStatus(s.Patients),
			Authenticated: s.Authenticated,
		})
		if err != nil {
			logger.Error().Err(err).Msg("encode change summary")
			return
		}
		now := time.Now().UTC()
		for _, topic := range topics {
			evt := websocket.Event{
				Type:       EventStateChanged,
				Topic:      topic,
				Action:     a.Type(),
				ResourceID: subjectID(a),
				Timestamp:  now,
				Data:       data,
			}
			if err := pub.Publish(context.Background(), evt); err != nil {
				logger.Warn().Err(err).Str("topic", topic).Msg("publish state change")
			}
		}
	}
}
