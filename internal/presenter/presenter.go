// Package presenter holds the single visible submission result.
package presenter

import (
	"encoding/json"
	"sync"

	"github.com/vbonduro/reunite/internal/datauri"
	"github.com/vbonduro/reunite/internal/domain"
)

type State int

const (
	Empty State = iota
	Shown
)

func (s State) String() string {
	if s == Shown {
		return "shown"
	}
	return "empty"
}

// Presenter moves between Empty and Shown. Only explicit dismissal returns it
// to Empty; showing a new result replaces the old one wholesale.
type Presenter struct {
	mu      sync.Mutex
	current *domain.Result
}

func New() *Presenter {
	return &Presenter{}
}

func (p *Presenter) Show(r domain.Result) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.current = &r
}

// Dismiss clears the result and returns what was shown, if anything.
func (p *Presenter) Dismiss() (domain.Result, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current == nil {
		return domain.Result{}, false
	}
	r := *p.current
	p.current = nil
	return r, true
}

func (p *Presenter) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current == nil {
		return Empty
	}
	return Shown
}

func (p *Presenter) Current() (domain.Result, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current == nil {
		return domain.Result{}, false
	}
	return *p.current, true
}

// View is a rendered result ready for a template.
type View struct {
	Success        bool
	Title          string
	Message        string
	Error          string
	PreviewDataURI string
	// Raw is the response pretty-printed as JSON.
	Raw string
}

// View renders the current result. The second return is false in Empty.
func (p *Presenter) View() (View, bool) {
	r, ok := p.Current()
	if !ok {
		return View{}, false
	}
	return Render(r), true
}

// Render builds the view for r. Success views carry only success content and
// failure views only the reason.
func Render(r domain.Result) View {
	if r.Outcome != domain.OutcomeSuccess {
		return View{
			Title: "Error",
			Error: r.Reason,
			Raw:   raw(r),
		}
	}

	v := View{
		Success: true,
		Title:   "Results",
		Message: r.Message,
		Raw:     raw(r),
	}
	if r.MatchedImage != nil && len(r.MatchedImage.Data) > 0 {
		v.PreviewDataURI = datauri.Encode(*r.MatchedImage)
	}
	return v
}

func raw(r domain.Result) string {
	fields := r.Fields
	if fields == nil {
		fields = map[string]any{}
		if r.Outcome == domain.OutcomeSuccess {
			if r.Message != "" {
				fields["message"] = r.Message
			}
		} else {
			fields["error"] = r.Reason
		}
	}
	out, err := json.MarshalIndent(fields, "", "  ")
	if err != nil {
		return ""
	}
	return string(out)
}
