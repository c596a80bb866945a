package notify

import (
	"fmt"
	"strings"

	"medwatch/internal/storage"
)

const defaultDosage = "as prescribed"

// MedicationReminder adds a dose reminder for m.
func (s *Sink) MedicationReminder(m storage.Medication) Notification {
	dosage := strings.TrimSpace(m.Dosage)
	if dosage == "" {
		dosage = defaultDosage
	}
	return s.Add(m.UserID, TypeMedicationReminder,
		fmt.Sprintf("Time to take %s (%s)", m.Name, dosage),
		map[string]any{
			"medicationId":   m.ID,
			"medicationName": m.Name,
			"dosage":         dosage,
			"time":           m.Time,
		})
}

func (s *Sink) AppointmentReminder(a storage.Appointment) Notification {
	return s.Add(a.UserID, TypeAppointmentReminder,
		fmt.Sprintf("Upcoming appointment: %s on %s at %s", a.Title, a.Date, a.Time),
		map[string]any{
			"appointmentId": a.ID,
			"title":         a.Title,
			"date":          a.Date.String(),
			"time":          a.Time,
			"location":      a.Location,
		})
}

// HealthScore adds a score update; trend is the change from the previous score.
func (s *Sink) HealthScore(owner int64, score, trend int, day storage.Date) Notification {
	msg := fmt.Sprintf("Your health score is %d/100", score)
	switch {
	case trend > 0:
		msg += fmt.Sprintf(" (improved by %d points)", trend)
	case trend < 0:
		msg += fmt.Sprintf(" (decreased by %d points)", -trend)
	default:
		msg += " (no change)"
	}
	return s.Add(owner, TypeHealthScore, msg, map[string]any{
		"score": score,
		"trend": trend,
		"date":  day.String(),
	})
}
