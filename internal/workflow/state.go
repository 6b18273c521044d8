// Package workflow drives the consent-gated upload flow.
//
// State changes go through the pure Reduce function. A Workflow owns the
// current State and applies events one at a time on a single goroutine,
// publishing every new State as a whole value. Blocking work (consent
// fetch and write, file persist) runs on a bounded pool and reports back
// with events.
package workflow

import "github.com/dmitrijs2005/medvault/internal/models"

type Phase string

const (
	PhaseIdle               Phase = "idle"
	PhaseLoadingConsent     Phase = "loading_consent"
	PhaseAwaitingAcceptance Phase = "awaiting_acceptance"
	PhaseReady              Phase = "ready"
	PhaseUploading          Phase = "uploading"
	PhaseError              Phase = "error"
)

// Action names a user action that can fail and be retried.
type Action string

const (
	ActionNone       Action = ""
	ActionStart      Action = "start"
	ActionAccept     Action = "accept_consent"
	ActionSelectFile Action = "select_file"
)

// User-facing error messages.
const (
	MsgConsentLoadFailed  = "Failed to load consent content"
	MsgConsentWriteFailed = "Failed to write consent content"
	MsgUploadFailedPrefix = "Failed to upload file: "
)

// State is the view of the workflow. It is a projection of the consent,
// catalog and in-flight work; it owns no truth of its own.
type State struct {
	Phase          Phase               `json:"phase"`
	ConsentContent string              `json:"consent_content"`
	Accepted       bool                `json:"accepted"`
	Loading        bool                `json:"loading"`
	Error          string              `json:"error,omitempty"`
	Files          []models.FileRecord `json:"files"`

	// Failed is the action Retry re-runs.
	Failed Action `json:"failed_action,omitempty"`
	// Uploads counts persists in flight.
	Uploads   int `json:"uploads_in_flight"`
	accepting bool
	// filesVersion is the catalog version Files was taken from.
	filesVersion uint64
}

// CanUpload reports whether SelectFile is currently allowed.
func (s State) CanUpload() bool {
	return s.Accepted
}

func initialState() State {
	return State{Phase: PhaseIdle, Files: []models.FileRecord{}}
}

func (s State) clone() State {
	s.Files = models.CloneRecords(s.Files)
	return s
}
