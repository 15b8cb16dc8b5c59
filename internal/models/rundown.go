package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"
)

// ShowcallerState is the shared on-air clock of a rundown.
type ShowcallerState struct {
	IsPlaying        bool   `json:"isPlaying"`
	CurrentSegmentID string `json:"currentSegmentId"`
	// PlaybackStartTime is the epoch millisecond at which the current
	// segment began (back-dated when resuming a paused segment).
	PlaybackStartTime int64 `json:"playbackStartTime"`
	// TimeRemaining is the last snapshot of the current segment's remaining
	// time, in milliseconds.
	TimeRemaining int64  `json:"timeRemaining"`
	LastUpdatedBy string `json:"lastUpdatedBy,omitempty"`
}

// StartTime returns PlaybackStartTime as time.Time.
func (s *ShowcallerState) StartTime() time.Time {
	return time.UnixMilli(s.PlaybackStartTime)
}

// Remaining returns the TimeRemaining snapshot as a duration.
func (s *ShowcallerState) Remaining() time.Duration {
	return time.Duration(s.TimeRemaining) * time.Millisecond
}

// ItemList is the ordered item list, stored as one JSON column.
type ItemList []Item

// Value implements driver.Valuer for ItemList.
func (l ItemList) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	data, err := json.Marshal([]Item(l))
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// Scan implements sql.Scanner for ItemList.
func (l *ItemList) Scan(value interface{}) error {
	var data []byte
	switch v := value.(type) {
	case nil:
		*l = nil
		return nil
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("cannot scan %T into ItemList", value)
	}
	return json.Unmarshal(data, (*[]Item)(l))
}

// Rundown is the shared document: an ordered list of timed segments plus
// the showcaller clock, versioned as one record.
type Rundown struct {
	ID         string          `json:"id"`
	Title      string          `json:"title"`
	StartTime  string          `json:"startTime,omitempty"`
	Items      ItemList        `json:"items"`
	DocVersion int64           `json:"docVersion"`
	UpdatedAt  int64           `json:"updatedAt"` // epoch ms
	Showcaller ShowcallerState `json:"showcallerState"`
}

// TableName returns the table name for Rundown.
func (Rundown) TableName() string {
	return "rundowns"
}

// UpdatedAtTime returns the UpdatedAt as time.Time.
func (r *Rundown) UpdatedAtTime() time.Time {
	return time.UnixMilli(r.UpdatedAt)
}

// Clone returns a deep copy of the rundown.
func (r *Rundown) Clone() *Rundown {
	if r == nil {
		return nil
	}
	c := *r
	if r.Items != nil {
		c.Items = make(ItemList, len(r.Items))
		for i, item := range r.Items {
			c.Items[i] = item.Clone()
		}
	}
	return &c
}

// IndexOf returns the position of the item with id, or -1.
func (r *Rundown) IndexOf(id string) int {
	for i := range r.Items {
		if r.Items[i].ID == id {
			return i
		}
	}
	return -1
}

// FindItem returns a pointer to the item with id, or nil.
func (r *Rundown) FindItem(id string) *Item {
	if i := r.IndexOf(id); i >= 0 {
		return &r.Items[i]
	}
	return nil
}

// Fingerprint hashes the document content, ignoring version and timestamps,
// so two reads of identical content can be told apart from a real change.
func (r *Rundown) Fingerprint() uint64 {
	content := struct {
		Title      string          `json:"title"`
		StartTime  string          `json:"startTime"`
		Items      ItemList        `json:"items"`
		Showcaller ShowcallerState `json:"showcallerState"`
	}{r.Title, r.StartTime, r.Items, r.Showcaller}

	data, err := json.Marshal(content)
	if err != nil {
		return 0
	}
	return xxhash.Sum64(data)
}
