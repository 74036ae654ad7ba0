package config

import "fmt"

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked.
type ConfigDiff struct {
	LessonsChanged  bool         // true if any lesson was added, removed or edited
	LessonChanges   []LessonDiff // per-lesson diffs
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// RestartRequired is true when a field that is only read at startup
	// changed (provider, playback device, capture devices, listen address).
	RestartRequired bool
}

// LessonDiff describes what changed for a single lesson between two configs.
type LessonDiff struct {
	Name                string
	VoiceChanged        bool
	InstructionsChanged bool
	ModeChanged         bool
	Added               bool
	Removed             bool
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart; other changes
// only set RestartRequired.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	// Log level
	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Server.ListenAddr != new.Server.ListenAddr ||
		!sameProvider(old.Provider, new.Provider) ||
		old.Playback != new.Playback ||
		old.Capture != new.Capture ||
		old.Session != new.Session {
		d.RestartRequired = true
	}

	// Build lesson lookup maps keyed by name.
	oldLessons := make(map[string]*LessonConfig, len(old.Lessons))
	for i := range old.Lessons {
		oldLessons[old.Lessons[i].Name] = &old.Lessons[i]
	}
	newLessons := make(map[string]*LessonConfig, len(new.Lessons))
	for i := range new.Lessons {
		newLessons[new.Lessons[i].Name] = &new.Lessons[i]
	}

	// Detect modified and removed lessons.
	for name, oldLesson := range oldLessons {
		newLesson, exists := newLessons[name]
		if !exists {
			d.LessonChanges = append(d.LessonChanges, LessonDiff{
				Name:    name,
				Removed: true,
			})
			d.LessonsChanged = true
			continue
		}
		ld := diffLesson(name, oldLesson, newLesson)
		if ld.VoiceChanged || ld.InstructionsChanged || ld.ModeChanged {
			d.LessonChanges = append(d.LessonChanges, ld)
			d.LessonsChanged = true
		}
	}

	// Detect added lessons.
	for name := range newLessons {
		if _, exists := oldLessons[name]; !exists {
			d.LessonChanges = append(d.LessonChanges, LessonDiff{
				Name:  name,
				Added: true,
			})
			d.LessonsChanged = true
		}
	}

	return d
}

// diffLesson compares two lesson configs with the same name.
func diffLesson(name string, old, new *LessonConfig) LessonDiff {
	return LessonDiff{
		Name:                name,
		VoiceChanged:        old.Voice != new.Voice,
		InstructionsChanged: old.Instructions != new.Instructions,
		ModeChanged:         old.Mode != new.Mode,
	}
}

// sameProvider compares the scalar provider fields. Options are compared by
// key set and string form, which is enough to detect edits.
func sameProvider(a, b ProviderEntry) bool {
	if a.Name != b.Name || a.APIKey != b.APIKey || a.BaseURL != b.BaseURL || a.Model != b.Model {
		return false
	}
	if len(a.Options) != len(b.Options) {
		return false
	}
	for k, va := range a.Options {
		vb, ok := b.Options[k]
		if !ok || fmt.Sprint(va) != fmt.Sprint(vb) {
			return false
		}
	}
	return true
}
