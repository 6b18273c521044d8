package workflow

import "github.com/dmitrijs2005/medvault/internal/models"

// Event is something that happened to the workflow.
type Event interface {
	isEvent()
}

type (
	ConsentRequested  struct{}
	ConsentLoaded     struct{ Status models.ConsentStatus }
	ConsentLoadFailed struct{ Err error }

	AcceptRequested     struct{}
	ConsentAccepted     struct{}
	ConsentAcceptFailed struct{ Err error }

	UploadStarted   struct{}
	UploadSucceeded struct{ Record models.FileRecord }
	UploadFailed    struct{ Err error }

	// FilesChanged carries a catalog snapshot. Version zero is always
	// applied; otherwise snapshots older than the last one applied are
	// dropped.
	FilesChanged struct {
		Version uint64
		Files   []models.FileRecord
	}
)

func (ConsentRequested) isEvent()    {}
func (ConsentLoaded) isEvent()       {}
func (ConsentLoadFailed) isEvent()   {}
func (AcceptRequested) isEvent()     {}
func (ConsentAccepted) isEvent()     {}
func (ConsentAcceptFailed) isEvent() {}
func (UploadStarted) isEvent()       {}
func (UploadSucceeded) isEvent()     {}
func (UploadFailed) isEvent()        {}
func (FilesChanged) isEvent()        {}

// Reduce returns the state that follows s after ev. It does not modify s.
func Reduce(s State, ev Event) State {
	s = s.clone()

	switch e := ev.(type) {
	case ConsentRequested:
		s.Phase = PhaseLoadingConsent
		s.clearError()

	case ConsentLoaded:
		s.ConsentContent = e.Status.Content
		s.Accepted = s.Accepted || e.Status.Accepted
		s.Phase = s.settledPhase()

	case ConsentLoadFailed:
		s.fail(ActionStart, MsgConsentLoadFailed)

	case AcceptRequested:
		s.accepting = true
		s.clearError()

	case ConsentAccepted:
		s.accepting = false
		s.Accepted = true
		s.Phase = s.settledPhase()

	case ConsentAcceptFailed:
		s.accepting = false
		s.fail(ActionAccept, MsgConsentWriteFailed)

	case UploadStarted:
		s.Uploads++
		s.clearError()
		s.Phase = PhaseUploading

	case UploadSucceeded:
		s.Uploads = max(s.Uploads-1, 0)
		if s.Phase != PhaseError {
			s.Phase = s.settledPhase()
		}

	case UploadFailed:
		s.Uploads = max(s.Uploads-1, 0)
		s.fail(ActionSelectFile, MsgUploadFailedPrefix+causeText(e.Err))

	case FilesChanged:
		if e.Version != 0 && e.Version < s.filesVersion {
			break
		}
		s.filesVersion = max(s.filesVersion, e.Version)
		s.Files = models.CloneRecords(e.Files)
	}

	s.Loading = s.Phase == PhaseLoadingConsent || s.accepting || s.Uploads > 0
	return s
}

// settledPhase is where the workflow rests once nothing is pending.
func (s State) settledPhase() Phase {
	switch {
	case s.Uploads > 0:
		return PhaseUploading
	case s.Accepted:
		return PhaseReady
	case s.ConsentContent != "":
		return PhaseAwaitingAcceptance
	default:
		return PhaseIdle
	}
}

func (s *State) fail(a Action, msg string) {
	s.Phase = PhaseError
	s.Error = msg
	s.Failed = a
}

func (s *State) clearError() {
	s.Error = ""
	s.Failed = ActionNone
}

func causeText(err error) string {
	if err == nil {
		return "unknown error"
	}
	return err.Error()
}
