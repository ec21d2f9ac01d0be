package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/vbonduro/reunite/internal/domain"
	"github.com/vbonduro/reunite/internal/logging"
)

// Stats fetches the aggregate identification counters.
func (c *Client) Stats(ctx context.Context) (domain.Stats, error) {
	var body struct {
		TotalIdentifications int64 `json:"totalIdentifications"`
		FoundCount           int64 `json:"foundCount"`
		ActiveCases          int64 `json:"activeCases"`
	}
	requestID := uuid.NewString()
	if err := c.do(ctx, http.MethodGet, pathStats, requestID, "", nil, nil, &body); err != nil {
		return domain.Stats{}, logging.NewOperationError("backend.stats", requestID, err)
	}
	return domain.Stats{
		TotalIdentifications: body.TotalIdentifications,
		FoundCount:           body.FoundCount,
		ActiveCases:          body.ActiveCases,
	}, nil
}

type missingPersonJSON struct {
	ID           flexString `json:"_id"`
	Name         string     `json:"name"`
	Age          flexString `json:"age"`
	LostLocation string     `json:"lost_location"`
	Timestamp    string     `json:"timestamp"`
}

// MissingPersons lists previously reported persons in backend order.
func (c *Client) MissingPersons(ctx context.Context) ([]domain.MissingPerson, error) {
	var rows []missingPersonJSON
	requestID := uuid.NewString()
	if err := c.do(ctx, http.MethodGet, pathMissingPersons, requestID, "", nil, nil, &rows); err != nil {
		return nil, logging.NewOperationError("backend.missing_persons", requestID, err)
	}

	people := make([]domain.MissingPerson, 0, len(rows))
	for _, r := range rows {
		people = append(people, domain.MissingPerson{
			ID:           string(r.ID),
			Name:         r.Name,
			Age:          string(r.Age),
			LostLocation: r.LostLocation,
			Timestamp:    parseTimestamp(r.Timestamp),
		})
	}
	return people, nil
}

// flexString accepts a JSON string, number, null, or a {"$oid": "..."} object.
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case bytes.Equal(data, []byte("null")):
		*f = ""
	case len(data) > 0 && data[0] == '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = flexString(s)
	case len(data) > 0 && data[0] == '{':
		var oid struct {
			OID string `json:"$oid"`
		}
		if err := json.Unmarshal(data, &oid); err != nil {
			return err
		}
		*f = flexString(oid.OID)
	default:
		var n json.Number
		if err := json.Unmarshal(data, &n); err != nil {
			return err
		}
		if i, err := n.Int64(); err == nil {
			*f = flexString(strconv.FormatInt(i, 10))
		} else {
			*f = flexString(n.String())
		}
	}
	return nil
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	time.RFC1123,
}

// parseTimestamp returns the zero time for values it cannot parse.
func parseTimestamp(s string) time.Time {
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}
