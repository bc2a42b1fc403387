package protocol

import "time"

// Team is a reference-library team record.
type Team struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	ShortName string    `json:"short_name,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Player belongs to a team roster.
type Player struct {
	ID          string    `json:"id"`
	TeamID      string    `json:"team_id"`
	Name        string    `json:"name"`
	SquadNumber int       `json:"squad_number,omitempty"`
	Role        string    `json:"role,omitempty"` // goalkeeper, outfield, captain
	UpdatedAt   time.Time `json:"updated_at"`
}

// Official is a referee or other match official.
type Official struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Role      string    `json:"role,omitempty"` // referee, assistant, fourth
	UpdatedAt time.Time `json:"updated_at"`
}

// Competition is a league or tournament.
type Competition struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Season    string    `json:"season,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Venue is a ground where matches are played.
type Venue struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	City      string    `json:"city,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ScheduleEntry is a fixture: two teams, a venue, and a kickoff time.
type ScheduleEntry struct {
	ID            string    `json:"id"`
	CompetitionID string    `json:"competition_id,omitempty"`
	HomeTeamID    string    `json:"home_team_id"`
	AwayTeamID    string    `json:"away_team_id"`
	VenueID       string    `json:"venue_id,omitempty"`
	KickoffAt     time.Time `json:"kickoff_at"`
	Status        string    `json:"status,omitempty"` // scheduled, postponed, cancelled
}

// MatchSummary is the completed-match record kept in history.
type MatchSummary struct {
	ID          string    `json:"id"`
	ScheduleID  string    `json:"schedule_id,omitempty"`
	HomeTeamID  string    `json:"home_team_id"`
	AwayTeamID  string    `json:"away_team_id"`
	HomeScore   int       `json:"home_score"`
	AwayScore   int       `json:"away_score"`
	CompletedAt time.Time `json:"completed_at"`
}
