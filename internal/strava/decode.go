package strava

import (
	"encoding/json"
	"fmt"
	"time"

	"example.com/activitysync/internal/domain"
)

type activityPayload struct {
	ID      int64 `json:"id"`
	Athlete struct {
		ID int64 `json:"id"`
	} `json:"athlete"`
	Name               string   `json:"name"`
	Description        *string  `json:"description"`
	SportType          string   `json:"sport_type"`
	Type               string   `json:"type"`
	Distance           float64  `json:"distance"`
	MovingTime         int      `json:"moving_time"`
	ElapsedTime        int      `json:"elapsed_time"`
	TotalElevationGain float64  `json:"total_elevation_gain"`
	StartDate          string   `json:"start_date"`
	Timezone           string   `json:"timezone"`
	Private            bool     `json:"private"`
	Visibility         string   `json:"visibility"`
	Calories           *float64 `json:"calories"`
	Map                struct {
		SummaryPolyline string `json:"summary_polyline"`
		Polyline        string `json:"polyline"`
	} `json:"map"`
}

// decodeActivity converts one upstream record. athleteID is the owner the
// record was fetched for; a record claiming another owner is rejected.
func decodeActivity(raw json.RawMessage, athleteID int64, fetchedAt time.Time) (domain.Activity, error) {
	var p activityPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return domain.Activity{}, fmt.Errorf("%w: %v", domain.ErrMalformedResponse, err)
	}
	if p.ID <= 0 {
		return domain.Activity{}, fmt.Errorf("%w: missing activity id", domain.ErrMalformedResponse)
	}
	if p.Athlete.ID != 0 && athleteID != 0 && p.Athlete.ID != athleteID {
		return domain.Activity{}, fmt.Errorf("%w: activity %d belongs to athlete %d", domain.ErrMalformedResponse, p.ID, p.Athlete.ID)
	}
	start, err := time.Parse(time.RFC3339, p.StartDate)
	if err != nil {
		return domain.Activity{}, fmt.Errorf("%w: activity %d start_date %q", domain.ErrMalformedResponse, p.ID, p.StartDate)
	}

	sport := p.SportType
	if sport == "" {
		sport = p.Type
	}
	owner := athleteID
	if owner == 0 {
		owner = p.Athlete.ID
	}

	return domain.Activity{
		ID:                 p.ID,
		AthleteID:          owner,
		Name:               p.Name,
		Description:        p.Description,
		SportType:          sport,
		Distance:           p.Distance,
		MovingTime:         p.MovingTime,
		ElapsedTime:        p.ElapsedTime,
		TotalElevationGain: p.TotalElevationGain,
		StartDate:          start.UTC(),
		Timezone:           p.Timezone,
		Private:            p.Private,
		Visibility:         p.Visibility,
		SummaryPolyline:    p.Map.SummaryPolyline,
		Polyline:           p.Map.Polyline,
		Calories:           p.Calories,
		LastAppliedAt:      fetchedAt.UTC(),
	}, nil
}

// rawBounds reads only start_date from records that failed full decoding so a
// page of malformed records still yields a bound to continue from.
func rawBounds(raw []json.RawMessage) (newest, oldest time.Time) {
	for _, record := range raw {
		var p struct {
			StartDate string `json:"start_date"`
		}
		if err := json.Unmarshal(record, &p); err != nil {
			continue
		}
		start, err := time.Parse(time.RFC3339, p.StartDate)
		if err != nil {
			continue
		}
		start = start.UTC()
		if newest.IsZero() || start.After(newest) {
			newest = start
		}
		if oldest.IsZero() || start.Before(oldest) {
			oldest = start
		}
	}
	return newest, oldest
}
