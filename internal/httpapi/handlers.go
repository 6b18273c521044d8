package httpapi

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"path/filepath"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/dmitrijs2005/medvault/internal/services"
	"github.com/dmitrijs2005/medvault/internal/workflow"
)

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token string `json:"token"`
}

type sessionResponse struct {
	State string `json:"state"`
}

type consentResponse struct {
	Content  string `json:"content"`
	Accepted bool   `json:"accepted"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid JSON"})
		return
	}

	token, err := s.sessions.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, loginResponse{Token: token})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.Logout(r.Context()); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, sessionResponse{State: s.sessions.Check(r.Context()).String()})
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.flow.State())
}

// handleConsent loads the consent text on first use.
func (s *Server) handleConsent(w http.ResponseWriter, r *http.Request) {
	st := s.flow.State()
	if st.ConsentContent == "" && st.Phase != workflow.PhaseLoadingConsent {
		if err := s.flow.Start(r.Context()); err != nil {
			s.fail(w, r, err)
			return
		}
		st = s.flow.State()
	}
	writeJSON(w, http.StatusOK, consentResponse{Content: st.ConsentContent, Accepted: st.Accepted})
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	if err := s.flow.AcceptConsent(r.Context()); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.flow.State())
}

func (s *Server) handleListFiles(w http.ResponseWriter, r *http.Request) {
	if err := s.flow.LoadFiles(r.Context()); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.flow.State().Files)
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid multipart form"})
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	f, hdr, err := r.FormFile("file")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "missing file field"})
		return
	}
	data, err := io.ReadAll(f)
	_ = f.Close()
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "unreadable file"})
		return
	}

	rec, err := s.flow.SelectFile(r.Context(), services.ReaderSource{
		Filename: filepath.Base(hdr.Filename),
		Data:     data,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) handleContent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	rec, err := s.records.Get(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if rec.Location == "" {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "no local content"})
		return
	}

	// decrypt fully first so a tampered file yields an error status
	var buf bytes.Buffer
	if err := s.contents.Open(r.Context(), *rec, &buf); err != nil {
		s.fail(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	w.WriteHeader(http.StatusOK)
	_, _ = buf.WriteTo(w)
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	if err := s.flow.Retry(r.Context()); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.flow.State())
}
