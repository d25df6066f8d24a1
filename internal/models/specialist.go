package models

// Specialist is a human responder that can be matched to sessions
type Specialist struct {
	ID                 string   `json:"id"`
	Name               string   `json:"name"`
	Specialities       []string `json:"specialities"`
	IsAvailable        bool     `json:"isAvailable"`
	IsOnline           bool     `json:"isOnline"`
	CurrentChats       int      `json:"currentChats"`
	MaxConcurrentChats int      `json:"maxConcurrentChats"`
	Languages          []string `json:"languages"`
	ResponseTime       int      `json:"responseTime"` // seconds, average
}

// RecomputeAvailability derives IsAvailable from the capacity fields.
// It must be called every time CurrentChats changes.
func (s *Specialist) RecomputeAvailability() {
	s.IsAvailable = s.CurrentChats < s.MaxConcurrentChats
}

// SpareCapacity is the number of chats the specialist can still take
func (s *Specialist) SpareCapacity() int {
	spare := s.MaxConcurrentChats - s.CurrentChats
	if spare < 0 {
		return 0
	}
	return spare
}

// HasSpeciality reports whether tag is in the specialist's specialities
func (s *Specialist) HasSpeciality(tag string) bool {
	for _, sp := range s.Specialities {
		if sp == tag {
			return true
		}
	}
	return false
}

// Clone returns a copy that shares no slices with s
func (s Specialist) Clone() Specialist {
	s.Specialities = append([]string(nil), s.Specialities...)
	s.Languages = append([]string(nil), s.Languages...)
	return s
}

// AsParticipant returns the session participant view of the specialist
func (s *Specialist) AsParticipant() Participant {
	return Participant{
		ID:       s.ID,
		Name:     s.Name,
		Type:     ParticipantSpecialist,
		IsOnline: s.IsOnline,
	}
}
