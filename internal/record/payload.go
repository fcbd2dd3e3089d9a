package record

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrInvalidPayload is returned when a payload does not fit its entity type.
var ErrInvalidPayload = errors.New("invalid payload")

// Payload is the tagged union of mutation payload shapes. Each variant knows
// its entity type and which fields an operation requires.
type Payload interface {
	EntityType() EntityType
	Validate(op Operation) error
}

// MatchPayload carries fields of a fixture between two teams. All fields are
// optional on update so partial edits stay partial on the wire.
type MatchPayload struct {
	HomeTeamID *string `json:"homeTeamId,omitempty"`
	AwayTeamID *string `json:"awayTeamId,omitempty"`
	HomeScore  *int    `json:"homeScore,omitempty"`
	AwayScore  *int    `json:"awayScore,omitempty"`
	Status     *string `json:"status,omitempty"`
	Venue      *string `json:"venue,omitempty"`
	PlayedAt   *string `json:"playedAt,omitempty"`
}

func (MatchPayload) EntityType() EntityType { return EntityMatch }

func (p MatchPayload) Validate(op Operation) error {
	switch op {
	case OpCreate:
		if p.HomeTeamID == nil || p.AwayTeamID == nil {
			return fmt.Errorf("%w: match create requires homeTeamId and awayTeamId", ErrInvalidPayload)
		}
		if *p.HomeTeamID == *p.AwayTeamID {
			return fmt.Errorf("%w: a team cannot play itself", ErrInvalidPayload)
		}
	case OpUpdate:
		if p == (MatchPayload{}) {
			return fmt.Errorf("%w: match update changes no fields", ErrInvalidPayload)
		}
	}
	return nil
}

// TeamPayload carries a team's name and roster.
type TeamPayload struct {
	Name      *string  `json:"name,omitempty"`
	ShortName *string  `json:"shortName,omitempty"`
	Players   []string `json:"players,omitempty"`
	Tags      []string `json:"tags,omitempty"`
}

func (TeamPayload) EntityType() EntityType { return EntityTeam }

func (p TeamPayload) Validate(op Operation) error {
	switch op {
	case OpCreate:
		if p.Name == nil {
			return fmt.Errorf("%w: team create requires name", ErrInvalidPayload)
		}
	case OpUpdate:
		if p.Name == nil && p.ShortName == nil && p.Players == nil && p.Tags == nil {
			return fmt.Errorf("%w: team update changes no fields", ErrInvalidPayload)
		}
	}
	return nil
}

// PlayerPayload carries a player's registration.
type PlayerPayload struct {
	Name     *string `json:"name,omitempty"`
	TeamID   *string `json:"teamId,omitempty"`
	Number   *int    `json:"number,omitempty"`
	Position *string `json:"position,omitempty"`
}

func (PlayerPayload) EntityType() EntityType { return EntityPlayer }

func (p PlayerPayload) Validate(op Operation) error {
	switch op {
	case OpCreate:
		if p.Name == nil {
			return fmt.Errorf("%w: player create requires name", ErrInvalidPayload)
		}
	case OpUpdate:
		if p == (PlayerPayload{}) {
			return fmt.Errorf("%w: player update changes no fields", ErrInvalidPayload)
		}
	}
	return nil
}

// DecodePayload decodes raw JSON into the variant for entityType. Unknown
// fields are rejected so a typo never reaches the queue. Empty input decodes
// to the zero variant.
func DecodePayload(entityType EntityType, raw []byte) (Payload, error) {
	var target Payload
	switch entityType {
	case EntityMatch:
		target = &MatchPayload{}
	case EntityTeam:
		target = &TeamPayload{}
	case EntityPlayer:
		target = &PlayerPayload{}
	default:
		return nil, fmt.Errorf("%w: unknown entity type %q", ErrInvalidPayload, entityType)
	}

	if len(bytes.TrimSpace(raw)) > 0 {
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.DisallowUnknownFields()
		if err := dec.Decode(target); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidPayload, entityType, err)
		}
	}

	switch p := target.(type) {
	case *MatchPayload:
		return *p, nil
	case *TeamPayload:
		return *p, nil
	case *PlayerPayload:
		return *p, nil
	}
	return nil, fmt.Errorf("%w: unreachable variant %T", ErrInvalidPayload, target)
}

// ToSnapshot converts a payload to its JSON object form, keeping only the
// fields that are set.
func ToSnapshot(p Payload) (Snapshot, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("snapshot payload: %w", err)
	}
	return ParseSnapshot(data)
}
