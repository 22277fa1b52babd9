// Package workflow sequences the caption, summary and speech stages of a session.
package workflow

import (
	"fmt"

	"github.com/GriffinCanCode/caption-digest/internal/session"
)

// Stage is the furthest point a session has durably reached.
type Stage int

const (
	StageEmpty Stage = iota
	StageVideoIdentified
	StageLanguagesListed
	StageCaptionsReady
	StageSummarized
	StageAudioReady
)

var stageNames = [...]string{
	"empty",
	"video_identified",
	"languages_listed",
	"captions_ready",
	"summarized",
	"audio_ready",
}

func (s Stage) String() string {
	if s < 0 || int(s) >= len(stageNames) {
		return fmt.Sprintf("stage(%d)", int(s))
	}
	return stageNames[s]
}

// MarshalText renders the stage name in JSON.
func (s Stage) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a stage name.
func (s *Stage) UnmarshalText(b []byte) error {
	for i, name := range stageNames {
		if name == string(b) {
			*s = Stage(i)
			return nil
		}
	}
	return fmt.Errorf("unknown stage %q", b)
}

// StageOf derives the stage from stored data, so the two cannot disagree.
func StageOf(st session.WorkflowState) Stage {
	switch {
	case len(st.Audio) > 0:
		return StageAudioReady
	case st.Summary != "":
		return StageSummarized
	case st.Captions != "":
		return StageCaptionsReady
	case len(st.AvailableLanguages) > 0:
		return StageLanguagesListed
	case st.VideoID != "":
		return StageVideoIdentified
	default:
		return StageEmpty
	}
}

// Command is a discrete user action.
type Command string

const (
	CmdSubmitURL      Command = "submit_url"
	CmdListLanguages  Command = "list_languages"
	CmdSelectLanguage Command = "select_language"
	CmdSummarize      Command = "summarize"
	CmdSynthesize     Command = "synthesize"
	CmdReset          Command = "reset"
)

// Label names the stage a command drives, for user-facing messages.
func (c Command) Label() string {
	switch c {
	case CmdSubmitURL:
		return "resolve video"
	case CmdListLanguages:
		return "list caption languages"
	case CmdSelectLanguage:
		return "fetch captions"
	case CmdSummarize:
		return "summarize"
	case CmdSynthesize:
		return "synthesize speech"
	case CmdReset:
		return "reset"
	default:
		return string(c)
	}
}

// requires is the minimum stage each command needs.
var requires = map[Command]Stage{
	CmdSubmitURL:      StageEmpty,
	CmdListLanguages:  StageVideoIdentified,
	CmdSelectLanguage: StageLanguagesListed,
	CmdSummarize:      StageCaptionsReady,
	CmdSynthesize:     StageSummarized,
	CmdReset:          StageEmpty,
}

// Allowed reports whether cmd may run at stage. Commands whose result is
// already recorded are allowed and become no-ops.
func Allowed(stage Stage, cmd Command) bool {
	need, ok := requires[cmd]
	return ok && stage >= need
}

// Affordances lists the controls a presentation layer should enable next.
// Nothing is enabled while a command is in flight except submitting a new
// URL and resetting, which preempt it.
func Affordances(stage Stage, busy bool) []Command {
	out := []Command{CmdSubmitURL}
	if stage > StageEmpty {
		out = append(out, CmdReset)
	}
	if busy {
		return out
	}
	if stage == StageVideoIdentified {
		out = append(out, CmdListLanguages)
	}
	if stage >= StageLanguagesListed {
		out = append(out, CmdSelectLanguage)
	}
	if stage >= StageCaptionsReady {
		out = append(out, CmdSummarize)
	}
	if stage == StageSummarized {
		out = append(out, CmdSynthesize)
	}
	return out
}
