package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/matchday/libsync/internal/protocol"
)

// HistoryRetention bounds the history table: after every apply only the
// most recent entries by completion time are kept.
const HistoryRetention = 100

// ApplySnapshot replaces the library mirror with the payload's entity
// sequences and deletes acknowledged outbox rows, all in one transaction.
//
// Every entity table except history uses delete-then-insert semantics: the
// snapshot is authoritative, not a diff. History is merged by id (update
// in place, insert if new) and then trimmed to HistoryRetention rows.
// If any step fails nothing is committed, so the mirror and the outbox
// never end up cross-referencing different generations.
func (db *DB) ApplySnapshot(ctx context.Context, p *protocol.SnapshotPayload, ackIDs []uuid.UUID) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := replaceTeams(ctx, tx, p.Teams); err != nil {
		return err
	}
	if err := replacePlayers(ctx, tx, p.Players); err != nil {
		return err
	}
	if err := replaceOfficials(ctx, tx, p.Officials); err != nil {
		return err
	}
	if err := replaceCompetitions(ctx, tx, p.Competitions); err != nil {
		return err
	}
	if err := replaceVenues(ctx, tx, p.Venues); err != nil {
		return err
	}
	if err := replaceSchedules(ctx, tx, p.Schedules); err != nil {
		return err
	}
	if err := mergeHistory(ctx, tx, p.History); err != nil {
		return err
	}

	for _, id := range ackIDs {
		if _, err := tx.ExecContext(ctx, "DELETE FROM delta_outbox WHERE id = ?", id.String()); err != nil {
			return fmt.Errorf("failed to acknowledge delta %s: %w", id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit snapshot apply: %w", err)
	}

	return nil
}

func replaceTeams(ctx context.Context, tx *sql.Tx, teams []protocol.Team) error {
	if _, err := tx.ExecContext(ctx, "DELETE FROM teams"); err != nil {
		return fmt.Errorf("failed to clear teams: %w", err)
	}
	for _, t := range teams {
		_, err := tx.ExecContext(ctx,
			"INSERT INTO teams (id, name, short_name, updated_at) VALUES (?, ?, ?, ?)",
			t.ID, t.Name, t.ShortName, fmtTime(t.UpdatedAt))
		if err != nil {
			return fmt.Errorf("failed to insert team %s: %w", t.ID, err)
		}
	}
	return nil
}

func replacePlayers(ctx context.Context, tx *sql.Tx, players []protocol.Player) error {
	if _, err := tx.ExecContext(ctx, "DELETE FROM players"); err != nil {
		return fmt.Errorf("failed to clear players: %w", err)
	}
	for _, p := range players {
		_, err := tx.ExecContext(ctx,
			"INSERT INTO players (id, team_id, name, squad_number, role, updated_at) VALUES (?, ?, ?, ?, ?, ?)",
			p.ID, p.TeamID, p.Name, p.SquadNumber, p.Role, fmtTime(p.UpdatedAt))
		if err != nil {
			return fmt.Errorf("failed to insert player %s: %w", p.ID, err)
		}
	}
	return nil
}

func replaceOfficials(ctx context.Context, tx *sql.Tx, officials []protocol.Official) error {
	if _, err := tx.ExecContext(ctx, "DELETE FROM officials"); err != nil {
		return fmt.Errorf("failed to clear officials: %w", err)
	}
	for _, o := range officials {
		_, err := tx.ExecContext(ctx,
			"INSERT INTO officials (id, name, role, updated_at) VALUES (?, ?, ?, ?)",
			o.ID, o.Name, o.Role, fmtTime(o.UpdatedAt))
		if err != nil {
			return fmt.Errorf("failed to insert official %s: %w", o.ID, err)
		}
	}
	return nil
}

func replaceCompetitions(ctx context.Context, tx *sql.Tx, comps []protocol.Competition) error {
	if _, err := tx.ExecContext(ctx, "DELETE FROM competitions"); err != nil {
		return fmt.Errorf("failed to clear competitions: %w", err)
	}
	for _, c := range comps {
		_, err := tx.ExecContext(ctx,
			"INSERT INTO competitions (id, name, season, updated_at) VALUES (?, ?, ?, ?)",
			c.ID, c.Name, c.Season, fmtTime(c.UpdatedAt))
		if err != nil {
			return fmt.Errorf("failed to insert competition %s: %w", c.ID, err)
		}
	}
	return nil
}

func replaceVenues(ctx context.Context, tx *sql.Tx, venues []protocol.Venue) error {
	if _, err := tx.ExecContext(ctx, "DELETE FROM venues"); err != nil {
		return fmt.Errorf("failed to clear venues: %w", err)
	}
	for _, v := range venues {
		_, err := tx.ExecContext(ctx,
			"INSERT INTO venues (id, name, city, updated_at) VALUES (?, ?, ?, ?)",
			v.ID, v.Name, v.City, fmtTime(v.UpdatedAt))
		if err != nil {
			return fmt.Errorf("failed to insert venue %s: %w", v.ID, err)
		}
	}
	return nil
}

func replaceSchedules(ctx context.Context, tx *sql.Tx, entries []protocol.ScheduleEntry) error {
	if _, err := tx.ExecContext(ctx, "DELETE FROM schedules"); err != nil {
		return fmt.Errorf("failed to clear schedules: %w", err)
	}
	for _, s := range entries {
		_, err := tx.ExecContext(ctx,
			"INSERT INTO schedules (id, competition_id, home_team_id, away_team_id, venue_id, kickoff_at, status) VALUES (?, ?, ?, ?, ?, ?, ?)",
			s.ID, s.CompetitionID, s.HomeTeamID, s.AwayTeamID, s.VenueID, fmtTime(s.KickoffAt), s.Status)
		if err != nil {
			return fmt.Errorf("failed to insert schedule %s: %w", s.ID, err)
		}
	}
	return nil
}

// mergeHistory upserts incoming match summaries by id, then trims the
// table to the HistoryRetention most recent completions.
func mergeHistory(ctx context.Context, tx *sql.Tx, summaries []protocol.MatchSummary) error {
	for _, h := range summaries {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO history (id, schedule_id, home_team_id, away_team_id, home_score, away_score, completed_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				schedule_id = excluded.schedule_id,
				home_team_id = excluded.home_team_id,
				away_team_id = excluded.away_team_id,
				home_score = excluded.home_score,
				away_score = excluded.away_score,
				completed_at = excluded.completed_at
		`, h.ID, h.ScheduleID, h.HomeTeamID, h.AwayTeamID, h.HomeScore, h.AwayScore, fmtTime(h.CompletedAt))
		if err != nil {
			return fmt.Errorf("failed to merge history %s: %w", h.ID, err)
		}
	}

	_, err := tx.ExecContext(ctx, `
		DELETE FROM history WHERE id NOT IN (
			SELECT id FROM history ORDER BY completed_at DESC LIMIT ?
		)
	`, HistoryRetention)
	if err != nil {
		return fmt.Errorf("failed to trim history: %w", err)
	}

	return nil
}

// Teams returns all teams ordered by name.
func (db *DB) Teams(ctx context.Context) ([]protocol.Team, error) {
	rows, err := db.conn.QueryContext(ctx,
		"SELECT id, name, short_name, updated_at FROM teams ORDER BY name ASC, id ASC")
	if err != nil {
		return nil, fmt.Errorf("failed to query teams: %w", err)
	}
	defer rows.Close()

	var teams []protocol.Team
	for rows.Next() {
		var t protocol.Team
		var shortName sql.NullString
		var updatedAt string
		if err := rows.Scan(&t.ID, &t.Name, &shortName, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan team: %w", err)
		}
		t.ShortName = shortName.String
		t.UpdatedAt = parseTime(updatedAt)
		teams = append(teams, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating teams: %w", err)
	}
	return teams, nil
}

// Players returns all players ordered by team then squad number.
func (db *DB) Players(ctx context.Context) ([]protocol.Player, error) {
	rows, err := db.conn.QueryContext(ctx,
		"SELECT id, team_id, name, squad_number, role, updated_at FROM players ORDER BY team_id ASC, squad_number ASC, id ASC")
	if err != nil {
		return nil, fmt.Errorf("failed to query players: %w", err)
	}
	defer rows.Close()

	var players []protocol.Player
	for rows.Next() {
		var p protocol.Player
		var role sql.NullString
		var updatedAt string
		if err := rows.Scan(&p.ID, &p.TeamID, &p.Name, &p.SquadNumber, &role, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan player: %w", err)
		}
		p.Role = role.String
		p.UpdatedAt = parseTime(updatedAt)
		players = append(players, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating players: %w", err)
	}
	return players, nil
}

// Officials returns all officials ordered by name.
func (db *DB) Officials(ctx context.Context) ([]protocol.Official, error) {
	rows, err := db.conn.QueryContext(ctx,
		"SELECT id, name, role, updated_at FROM officials ORDER BY name ASC, id ASC")
	if err != nil {
		return nil, fmt.Errorf("failed to query officials: %w", err)
	}
	defer rows.Close()

	var officials []protocol.Official
	for rows.Next() {
		var o protocol.Official
		var role sql.NullString
		var updatedAt string
		if err := rows.Scan(&o.ID, &o.Name, &role, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan official: %w", err)
		}
		o.Role = role.String
		o.UpdatedAt = parseTime(updatedAt)
		officials = append(officials, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating officials: %w", err)
	}
	return officials, nil
}

// Competitions returns all competitions ordered by name.
func (db *DB) Competitions(ctx context.Context) ([]protocol.Competition, error) {
	rows, err := db.conn.QueryContext(ctx,
		"SELECT id, name, season, updated_at FROM competitions ORDER BY name ASC, id ASC")
	if err != nil {
		return nil, fmt.Errorf("failed to query competitions: %w", err)
	}
	defer rows.Close()

	var comps []protocol.Competition
	for rows.Next() {
		var c protocol.Competition
		var season sql.NullString
		var updatedAt string
		if err := rows.Scan(&c.ID, &c.Name, &season, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan competition: %w", err)
		}
		c.Season = season.String
		c.UpdatedAt = parseTime(updatedAt)
		comps = append(comps, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating competitions: %w", err)
	}
	return comps, nil
}

// Venues returns all venues ordered by name.
func (db *DB) Venues(ctx context.Context) ([]protocol.Venue, error) {
	rows, err := db.conn.QueryContext(ctx,
		"SELECT id, name, city, updated_at FROM venues ORDER BY name ASC, id ASC")
	if err != nil {
		return nil, fmt.Errorf("failed to query venues: %w", err)
	}
	defer rows.Close()

	var venues []protocol.Venue
	for rows.Next() {
		var v protocol.Venue
		var city sql.NullString
		var updatedAt string
		if err := rows.Scan(&v.ID, &v.Name, &city, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan venue: %w", err)
		}
		v.City = city.String
		v.UpdatedAt = parseTime(updatedAt)
		venues = append(venues, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating venues: %w", err)
	}
	return venues, nil
}

// Schedules returns all fixtures ordered by kickoff time.
func (db *DB) Schedules(ctx context.Context) ([]protocol.ScheduleEntry, error) {
	rows, err := db.conn.QueryContext(ctx,
		"SELECT id, competition_id, home_team_id, away_team_id, venue_id, kickoff_at, status FROM schedules ORDER BY kickoff_at ASC, id ASC")
	if err != nil {
		return nil, fmt.Errorf("failed to query schedules: %w", err)
	}
	defer rows.Close()

	var entries []protocol.ScheduleEntry
	for rows.Next() {
		var s protocol.ScheduleEntry
		var compID, venueID, status sql.NullString
		var kickoff string
		if err := rows.Scan(&s.ID, &compID, &s.HomeTeamID, &s.AwayTeamID, &venueID, &kickoff, &status); err != nil {
			return nil, fmt.Errorf("failed to scan schedule: %w", err)
		}
		s.CompetitionID = compID.String
		s.VenueID = venueID.String
		s.Status = status.String
		s.KickoffAt = parseTime(kickoff)
		entries = append(entries, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating schedules: %w", err)
	}
	return entries, nil
}

// History returns completed matches ordered by completion time descending.
// Limit bounds the result count (0 means HistoryRetention) and cutoffDays
// excludes matches older than that many days (0 means no cutoff).
func (db *DB) History(ctx context.Context, limit, cutoffDays int) ([]protocol.MatchSummary, error) {
	if limit <= 0 {
		limit = HistoryRetention
	}

	query := "SELECT id, schedule_id, home_team_id, away_team_id, home_score, away_score, completed_at FROM history"
	var args []interface{}

	if cutoffDays > 0 {
		cutoff := time.Now().UTC().AddDate(0, 0, -cutoffDays)
		query += " WHERE completed_at >= ?"
		args = append(args, fmtTime(cutoff))
	}

	query += " ORDER BY completed_at DESC, id ASC LIMIT ?"
	args = append(args, limit)

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var summaries []protocol.MatchSummary
	for rows.Next() {
		var h protocol.MatchSummary
		var scheduleID sql.NullString
		var completedAt string
		if err := rows.Scan(&h.ID, &scheduleID, &h.HomeTeamID, &h.AwayTeamID, &h.HomeScore, &h.AwayScore, &completedAt); err != nil {
			return nil, fmt.Errorf("failed to scan history entry: %w", err)
		}
		h.ScheduleID = scheduleID.String
		h.CompletedAt = parseTime(completedAt)
		summaries = append(summaries, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating history: %w", err)
	}
	return summaries, nil
}
