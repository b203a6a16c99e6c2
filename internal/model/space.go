package model

import (
	"errors"
	"fmt"
	"strings"
)

var ErrUnknownSpace = errors.New("unknown space")

// Space identifies a bookable shared space.
type Space string

const (
	SpaceConferenceRoom Space = "Conference Room"
	SpaceMeetingRoom    Space = "Meeting Room"
	SpaceEventHall      Space = "Event Hall"
	SpaceStudyRoom      Space = "Study Room"
)

// Spaces lists every bookable space in display order.
var Spaces = []Space{
	SpaceConferenceRoom,
	SpaceMeetingRoom,
	SpaceEventHall,
	SpaceStudyRoom,
}

func (s Space) Valid() bool {
	for _, known := range Spaces {
		if s == known {
			return true
		}
	}
	return false
}

func (s Space) String() string { return string(s) }

// ParseSpace matches name against the known spaces, ignoring case and
// surrounding whitespace.
func ParseSpace(name string) (Space, error) {
	trimmed := strings.TrimSpace(name)
	for _, known := range Spaces {
		if strings.EqualFold(trimmed, string(known)) {
			return known, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownSpace, name)
}
