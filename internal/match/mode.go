// Package match implements the in-memory matchmaking engine: the capability
// mode model, the three waiting pools partitioned by requested mode, and the
// matchmaker that pairs waiting users under the same-college preference and
// capability-fallback policy.
package match

import "fmt"

// Mode is the capability a user requests when entering the matching queue,
// and (after combination) the capability a paired session actually runs with.
type Mode int

const (
	// ModeText requests a text-only chat.
	ModeText Mode = iota
	// ModeVideo requests a video-capable chat.
	ModeVideo
	// ModeBoth accepts either kind of partner.
	ModeBoth
)

// modeNames maps modes to their wire representation. The wire names follow
// the client protocol ("chat", "video", "both").
var modeNames = map[Mode]string{
	ModeText:  "chat",
	ModeVideo: "video",
	ModeBoth:  "both",
}

// String returns the wire name of the mode.
func (m Mode) String() string {
	if name, ok := modeNames[m]; ok {
		return name
	}
	return fmt.Sprintf("mode(%d)", int(m))
}

// ParseMode converts a wire mode name into a Mode.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "chat":
		return ModeText, nil
	case "video":
		return ModeVideo, nil
	case "both":
		return ModeBoth, nil
	}
	return ModeText, fmt.Errorf("match: unknown mode %q", s)
}

// Combine returns the capability a pair of users will actually use given
// their two requested modes. If either side asked for text-only the pair is
// text-only; in every other combination both sides support video, so the
// pair escalates to video. Note that both+both negotiates to video, not to
// a third "both" session kind.
func Combine(a, b Mode) Mode {
	if a == ModeText || b == ModeText {
		return ModeText
	}
	return ModeVideo
}

// searchOrder returns the pools a requester with the given mode may draw a
// partner from, in preference order. Text and video requesters prefer their
// own pool before falling back to flexible users; flexible requesters prefer
// other flexible users, then video, then text.
func searchOrder(m Mode) []Mode {
	switch m {
	case ModeText:
		return []Mode{ModeText, ModeBoth}
	case ModeVideo:
		return []Mode{ModeVideo, ModeBoth}
	default:
		return []Mode{ModeBoth, ModeVideo, ModeText}
	}
}
