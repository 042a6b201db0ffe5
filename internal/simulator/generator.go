// Package simulator generates synthetic session events and feeds them
// through the ingest endpoint, exercising the full pipeline end to end
// against a running instance.
package simulator

import (
	"crypto/rand"
	"math/big"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/tutorhq/retention/internal/domain/model"
)

const randomFloatDivisor = 1000000

// Tutor archetypes steer the generated signal so every risk level and
// detector has material to fire on.
const (
	caseSteadyTutor    = 0
	caseStrongTutor    = 1
	caseDecliningTutor = 2
	caseFlakyTutor     = 3
	caseNewTutor       = 4
)

const archetypeCount = 5

// getRandomFloat returns a random float64 between 0.0 and 1.0 using crypto/rand.
func getRandomFloat() float64 {
	n, _ := rand.Int(rand.Reader, big.NewInt(randomFloatDivisor))
	return float64(n.Int64()) / float64(randomFloatDivisor)
}

// getRandomInt returns a random int in [0, max).
func getRandomInt(max int) int {
	n, _ := rand.Int(rand.Reader, big.NewInt(int64(max)))
	return int(n.Int64())
}

// tutorProfile fixes an archetype per tutor so its history is coherent.
type tutorProfile struct {
	id        string
	archetype int
	sessions  int // per-student session counter
}

// GenerateEvents produces count session events spread over the trailing
// days, across tutorCount tutors with stable archetypes.
func GenerateEvents(count, tutorCount, days int) []model.SessionEvent {
	if tutorCount < 1 {
		tutorCount = 1
	}
	if days < 1 {
		days = 30
	}

	profiles := make([]*tutorProfile, tutorCount)
	for i := range profiles {
		profiles[i] = &tutorProfile{
			id:        "tutor-" + strconv.Itoa(i+1),
			archetype: i % archetypeCount,
		}
	}

	now := time.Now().UTC()
	events := make([]model.SessionEvent, 0, count)
	for i := 0; i < count; i++ {
		p := profiles[getRandomInt(tutorCount)]
		p.sessions++

		offset := time.Duration(getRandomFloat()*float64(days)*24) * time.Hour
		scheduled := now.Add(-offset)

		events = append(events, buildEvent(p, scheduled))
	}
	return events
}

// buildEvent renders one event for the profile's archetype.
func buildEvent(p *tutorProfile, scheduled time.Time) model.SessionEvent {
	e := model.SessionEvent{
		EventID:         uuid.NewString(),
		TutorID:         p.id,
		StudentID:       "student-" + strconv.Itoa(getRandomInt(200)+1),
		SessionNumber:   p.sessions,
		ScheduledStart:  scheduled,
		ActualStart:     scheduled,
		DurationMinutes: 45 + getRandomInt(30),
		ObjectivesMet:   true,
	}

	switch p.archetype {
	case caseStrongTutor:
		e.EngagementScore = 0.8 + getRandomFloat()*0.2
		e.Rating = ratingPtr(4 + getRandomInt(2))
	case caseDecliningTutor:
		// Quality degrades toward the present.
		age := time.Since(scheduled).Hours() / 24
		if age < 14 {
			e.EngagementScore = 0.2 + getRandomFloat()*0.3
			e.ObjectivesMet = getRandomFloat() > 0.5
			e.Rating = ratingPtr(2 + getRandomInt(2))
			e.LateStartMinutes = getRandomFloat() * 20
			e.ActualStart = scheduled.Add(time.Duration(e.LateStartMinutes * float64(time.Minute)))
		} else {
			e.EngagementScore = 0.6 + getRandomFloat()*0.3
			e.Rating = ratingPtr(4)
		}
	case caseFlakyTutor:
		e.EngagementScore = 0.4 + getRandomFloat()*0.4
		e.Rescheduled = getRandomFloat() < 0.35
		e.NoShow = getRandomFloat() < 0.15
		if !e.NoShow {
			e.Rating = ratingPtr(3 + getRandomInt(2))
		}
	case caseNewTutor:
		if p.sessions > 5 {
			p.sessions = 1
		}
		e.SessionNumber = p.sessions
		e.EngagementScore = 0.5 + getRandomFloat()*0.4
		e.Rating = ratingPtr(3 + getRandomInt(3))
	default: // caseSteadyTutor
		e.EngagementScore = 0.6 + getRandomFloat()*0.3
		e.Rating = ratingPtr(3 + getRandomInt(3))
	}

	if e.NoShow {
		e.Rating = nil
		e.ObjectivesMet = false
		e.DurationMinutes = 0
	}
	return e
}

func ratingPtr(r int) *int {
	if r > 5 {
		r = 5
	}
	return &r
}
