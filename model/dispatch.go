package model

import "time"

// DispatchItem is one line of a dispatch record.
type DispatchItem struct {
	Name        string `json:"name"                  bson:"name"`
	Description string `json:"description,omitempty" bson:"description,omitempty"`
	Quantity    int    `json:"quantity"              bson:"quantity"`
}

// DispatchRecord is the hand-off entry created when a work order enters a
// dispatch stage.
type DispatchRecord struct {
	ID          string         `json:"id"                 bson:"_id"`
	WorkOrderID string         `json:"workOrderId"        bson:"workOrderId"`
	WONumber    string         `json:"woNumber,omitempty" bson:"woNumber,omitempty"`
	Stage       string         `json:"stage"              bson:"stage"`
	ReleasedAt  time.Time      `json:"releasedAt"         bson:"releasedAt"`
	Items       []DispatchItem `json:"items"              bson:"items"`
	Tags        []string       `json:"tags"               bson:"tags"`
	Priority    string         `json:"priority,omitempty" bson:"priority,omitempty"`
	CreatedAt   time.Time      `json:"createdAt"          bson:"createdAt"`
}
