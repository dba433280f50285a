package proctor

import (
	"fmt"
	"sort"
	"time"

	"github.com/smartcampus/proctor/internal/model"
)

// phase is the per-category debounce state.
type phase int

const (
	phaseClear phase = iota
	phaseSuspect
	phaseWarned
)

// rule holds the grace timings of one violation category.
type rule struct {
	// warnAfter is the sustained duration before a warning. Zero means
	// the warning fires on first detection.
	warnAfter time.Duration
	// escalateAfter is the additional sustained duration after the
	// warning before escalation to a cancel report.
	escalateAfter time.Duration
	// autoEscalate disables escalation entirely when false
	// (CHEATING_OBJECT persists but never cancels on its own).
	autoEscalate bool
}

var rules = map[model.ViolationCategory]rule{
	model.ViolationNoFace:         {warnAfter: 3 * time.Second, escalateAfter: 10 * time.Second, autoEscalate: true},
	model.ViolationMultipleFaces:  {warnAfter: 0, escalateAfter: 10 * time.Second, autoEscalate: true},
	model.ViolationLookingAway:    {warnAfter: 5 * time.Second, escalateAfter: 15 * time.Second, autoEscalate: true},
	model.ViolationCameraDisabled: {warnAfter: 0, escalateAfter: 10 * time.Second, autoEscalate: true},
	model.ViolationCheatingObject: {warnAfter: 0, autoEscalate: false},
}

// categoryState tracks one category's debounce timers. startedAt is cleared
// the instant the condition lapses; a warning cannot exist without a
// startedAt at least the grace duration in the past.
type categoryState struct {
	phase     phase
	startedAt time.Time // first sustained detection
	warnedAt  time.Time
	escalated bool
	details   string
}

// Event is one debounced classifier output.
type Event struct {
	Category model.ViolationCategory
	Details  string
	// ShouldCancel is true for escalations, false for warnings.
	ShouldCancel bool
}

// Warning describes the currently displayed warning: the highest-priority
// warned category and, when the category auto-escalates, the deadline the
// countdown runs toward.
type Warning struct {
	Category model.ViolationCategory
	Details  string
	// Deadline is the zero time for categories that never auto-escalate.
	Deadline time.Time
}

// Classifier converts detection snapshots into debounced violation events.
// Each category runs an independent grace-period timer; momentary noise
// (a half-second head turn) never produces a warning.
//
// Not safe for concurrent use; the monitor serializes evaluation.
type Classifier struct {
	states map[model.ViolationCategory]*categoryState
	now    func() time.Time
}

// NewClassifier creates a Classifier. now may be nil (uses time.Now);
// tests inject a fake clock.
func NewClassifier(now func() time.Time) *Classifier {
	if now == nil {
		now = time.Now
	}
	c := &Classifier{
		states: make(map[model.ViolationCategory]*categoryState, len(rules)),
		now:    now,
	}
	for cat := range rules {
		c.states[cat] = &categoryState{}
	}
	return c
}

// Reset clears every category timer. Called when monitoring stops so no
// stale warning survives into a later session.
func (c *Classifier) Reset() {
	for _, st := range c.states {
		*st = categoryState{}
	}
}

// Evaluate advances every category state machine against one detection
// snapshot. snap may be nil while the camera is off. The returned events
// contain at most one warning and one escalation per category per episode;
// an all-clear evaluation returns the single NONE event.
func (c *Classifier) Evaluate(snap *model.DetectionSnapshot, cameraOn bool) []Event {
	now := c.now()
	var events []Event

	emit := func(cat model.ViolationCategory, details string, cancel bool) {
		events = append(events, Event{Category: cat, Details: details, ShouldCancel: cancel})
	}

	// CAMERA_DISABLED is independent of the detection pipeline.
	c.step(model.ViolationCameraDisabled, !cameraOn, "camera is disabled", now, emit)

	if cameraOn && snap != nil {
		c.step(model.ViolationNoFace, snap.FaceCount == 0, "no face detected in frame", now, emit)
		c.step(model.ViolationMultipleFaces, snap.FaceCount > 1,
			fmt.Sprintf("%d faces detected in frame", snap.FaceCount), now, emit)

		// Gaze is only assessable with exactly one face and a full
		// (non-degraded) analysis.
		lookingAway := snap.FaceCount == 1 && !snap.Degraded && snap.Gaze != model.GazeCenter
		c.step(model.ViolationLookingAway, lookingAway,
			fmt.Sprintf("looking %s instead of the screen", snap.Gaze), now, emit)

		// CHEATING_OBJECT holds its state on ticks without object
		// detection: only an object-enabled tick may set or clear it.
		if snap.ObjectDetectionRan {
			c.step(model.ViolationCheatingObject, len(snap.SuspiciousObjects) > 0,
				objectDetails(snap.SuspiciousObjects), now, emit)
		}
	} else {
		// Camera off: face/gaze conditions are unobservable, their
		// timers reset. Object warnings persist (no detection cycle ran).
		c.reset(model.ViolationNoFace)
		c.reset(model.ViolationMultipleFaces)
		c.reset(model.ViolationLookingAway)
	}

	if len(events) == 0 && c.allClear() {
		events = append(events, Event{Category: model.ViolationNone})
	}
	return events
}

// step advances one category machine: CLEAR → SUSPECT → WARNED → ESCALATE,
// resetting to CLEAR the moment the condition stops holding.
func (c *Classifier) step(cat model.ViolationCategory, active bool, details string, now time.Time, emit func(model.ViolationCategory, string, bool)) {
	st := c.states[cat]
	r := rules[cat]

	if !active {
		c.reset(cat)
		return
	}

	switch st.phase {
	case phaseClear:
		st.startedAt = now
		st.details = details
		if r.warnAfter == 0 {
			st.phase = phaseWarned
			st.warnedAt = now
			emit(cat, details, false)
		} else {
			st.phase = phaseSuspect
		}

	case phaseSuspect:
		st.details = details
		if now.Sub(st.startedAt) >= r.warnAfter {
			st.phase = phaseWarned
			st.warnedAt = now
			emit(cat, details, false)
		}

	case phaseWarned:
		st.details = details
		if r.autoEscalate && !st.escalated && now.Sub(st.warnedAt) >= r.escalateAfter {
			st.escalated = true
			emit(cat, details, true)
		}
	}
}

func (c *Classifier) reset(cat model.ViolationCategory) {
	*c.states[cat] = categoryState{}
}

func (c *Classifier) allClear() bool {
	for _, st := range c.states {
		if st.phase != phaseClear {
			return false
		}
	}
	return true
}

// ActiveWarning returns the warning to display, chosen by category priority
// among all currently warned categories. Returns nil when nothing is warned.
func (c *Classifier) ActiveWarning() *Warning {
	var warned []model.ViolationCategory
	for cat, st := range c.states {
		if st.phase == phaseWarned {
			warned = append(warned, cat)
		}
	}
	if len(warned) == 0 {
		return nil
	}

	sort.Slice(warned, func(i, j int) bool {
		return warned[i].DisplayPriority() < warned[j].DisplayPriority()
	})

	top := warned[0]
	st := c.states[top]
	w := &Warning{Category: top, Details: st.details}
	if rules[top].autoEscalate {
		w.Deadline = st.warnedAt.Add(rules[top].escalateAfter)
	}
	return w
}

func objectDetails(objects []model.SuspiciousObject) string {
	if len(objects) == 0 {
		return ""
	}
	labels := make([]string, 0, len(objects))
	for _, obj := range objects {
		labels = append(labels, obj.Label)
	}
	return fmt.Sprintf("suspicious objects in frame: %v", labels)
}
