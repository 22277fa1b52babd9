// Package session holds per-session workflow state across discrete user commands.
package session

import (
	"maps"
	"slices"
	"time"

	apperrors "github.com/GriffinCanCode/caption-digest/internal/errors"
	"github.com/GriffinCanCode/caption-digest/internal/syncx"
)

// WorkflowState is the in-progress data of one session.
// Summary is only set while Captions is non-empty, Audio only while Summary is
// non-empty. Overwriting an upstream field clears everything downstream.
type WorkflowState struct {
	VideoID            string            `json:"video_id,omitempty"`
	Title              string            `json:"title,omitempty"`
	AvailableLanguages map[string]string `json:"available_languages,omitempty"`
	SelectedLanguage   string            `json:"selected_language,omitempty"`
	Captions           string            `json:"captions,omitempty"`
	Summary            string            `json:"summary,omitempty"`
	Audio              []byte            `json:"-"`
	Generation         uint64            `json:"generation"`
	UpdatedAt          time.Time         `json:"updated_at"`
}

// Clone returns a deep copy.
func (s WorkflowState) Clone() WorkflowState {
	s.AvailableLanguages = maps.Clone(s.AvailableLanguages)
	s.Audio = slices.Clone(s.Audio)
	return s
}

func (s *WorkflowState) setVideo(id, title string) {
	*s = WorkflowState{VideoID: id, Title: title, Generation: s.Generation}
}

func (s *WorkflowState) setLanguages(langs map[string]string) {
	s.AvailableLanguages = maps.Clone(langs)
	s.SelectedLanguage = ""
	s.Captions = ""
	s.Summary = ""
	s.Audio = nil
}

func (s *WorkflowState) setCaptions(text, lang string) {
	s.Captions = text
	s.SelectedLanguage = lang
	s.Summary = ""
	s.Audio = nil
}

func (s *WorkflowState) setSummary(text string) error {
	if s.Captions == "" {
		return apperrors.New(apperrors.CodePrecondition, "summary requires captions")
	}
	s.Summary = text
	s.Audio = nil
	return nil
}

func (s *WorkflowState) setAudio(blob []byte) error {
	if s.Summary == "" {
		return apperrors.New(apperrors.CodePrecondition, "audio requires a summary")
	}
	s.Audio = slices.Clone(blob)
	return nil
}

// Store guards one session's WorkflowState.
type Store struct {
	state *syncx.Guard[WorkflowState]
	now   func() time.Time
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{state: syncx.NewGuard(WorkflowState{}), now: time.Now}
}

// Get returns a copy of the current state. It never fails.
func (s *Store) Get() WorkflowState {
	return syncx.View(s.state, WorkflowState.Clone)
}

// Generation returns the reset counter.
func (s *Store) Generation() uint64 {
	return syncx.View(s.state, func(st WorkflowState) uint64 { return st.Generation })
}

// SetVideo records a resolved video and clears all derived data.
func (s *Store) SetVideo(id, title string) {
	s.mutate(func(st *WorkflowState) error { st.setVideo(id, title); return nil })
}

// SetLanguages records the caption languages and clears selection and everything after it.
func (s *Store) SetLanguages(langs map[string]string) {
	s.mutate(func(st *WorkflowState) error { st.setLanguages(langs); return nil })
}

// SetCaptions records captions for lang and clears summary and audio.
func (s *Store) SetCaptions(text, lang string) {
	s.mutate(func(st *WorkflowState) error { st.setCaptions(text, lang); return nil })
}

// SetSummary records a summary and clears audio. Fails with CodePrecondition
// when no captions are stored.
func (s *Store) SetSummary(text string) error {
	return s.mutate(func(st *WorkflowState) error { return st.setSummary(text) })
}

// SetAudio records synthesized audio. Fails with CodePrecondition when no
// summary is stored.
func (s *Store) SetAudio(blob []byte) error {
	return s.mutate(func(st *WorkflowState) error { return st.setAudio(blob) })
}

// Reset clears every field and returns the new generation.
func (s *Store) Reset() uint64 {
	var gen uint64
	s.mutate(func(st *WorkflowState) error {
		gen = st.Generation + 1
		*st = WorkflowState{Generation: gen}
		return nil
	})
	return gen
}

// Commit applies fn atomically, but only while the store still holds
// generation gen and video videoID. Otherwise nothing is written and a
// CodeStale error is returned.
func (s *Store) Commit(gen uint64, videoID string, fn func(*Tx) error) error {
	return s.mutate(func(st *WorkflowState) error {
		if st.Generation != gen || st.VideoID != videoID {
			return apperrors.New(apperrors.CodeStale, "session changed while the command was running").
				WithMetadata("video_id", videoID)
		}
		draft := st.Clone()
		if err := fn(&Tx{st: &draft}); err != nil {
			return err
		}
		*st = draft
		return nil
	})
}

func (s *Store) mutate(fn func(*WorkflowState) error) error {
	return s.state.Update(func(st *WorkflowState) error {
		if err := fn(st); err != nil {
			return err
		}
		st.UpdatedAt = s.now()
		return nil
	})
}

// Tx is the mutation view handed to Commit callbacks.
type Tx struct {
	st *WorkflowState
}

func (tx *Tx) State() WorkflowState                 { return tx.st.Clone() }
func (tx *Tx) SetVideo(id, title string)            { tx.st.setVideo(id, title) }
func (tx *Tx) SetLanguages(langs map[string]string) { tx.st.setLanguages(langs) }
func (tx *Tx) SetCaptions(text, lang string)        { tx.st.setCaptions(text, lang) }
func (tx *Tx) SetSummary(text string) error         { return tx.st.setSummary(text) }
func (tx *Tx) SetAudio(blob []byte) error           { return tx.st.setAudio(blob) }
