package models

import "time"

// ConsentStatus is the consent text together with whether it was accepted.
type ConsentStatus struct {
	Content    string     `json:"content"`
	Accepted   bool       `json:"accepted"`
	AcceptedAt *time.Time `json:"accepted_at,omitempty"`
}
