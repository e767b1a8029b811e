// Package decode turns whole-survey jobs into a stream of per-section work.
// Surveys in flight are held in a shared registry; a harvester goroutine
// watches their content trees and emits each section as soon as its children
// are qualified, fanning in across every registered survey. When a survey's
// top-level sections are all qualified the survey itself is emitted as
// finished and leaves the registry.
package decode

import (
	"errors"
	"fmt"
	"sync"

	"github.com/Sumatoshi-tech/surveyforge/internal/survey"
)

// Registry errors.
var (
	// ErrDuplicateTask is returned by Add when the task id is already in
	// flight.
	ErrDuplicateTask = errors.New("task already in flight")

	// ErrUnknownTask is returned when the task id is not registered.
	ErrUnknownTask = errors.New("task not in flight")
)

// SectionWork is one ready section: its children (if any) are qualified, so a
// downstream stage can generate or refine its text now.
type SectionWork struct {
	TaskID string
	Survey *survey.Survey

	// Index addresses the section in both arenas.
	Index int
}

// entry tracks one in-flight survey and which sections were already emitted.
type entry struct {
	survey  *survey.Survey
	emitted map[int]bool
}

// Registry holds the surveys currently being decoded. Pipeline queues carry
// task ids; stages resolve them here, so one mutable payload exists per task.
// A single mutex guards the map and every payload mutation made through it.
type Registry struct {
	mu       sync.Mutex
	inflight map[string]*entry
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{inflight: make(map[string]*entry)}
}

// Add registers a survey for decoding. The survey must carry structure-shared
// outline and content arenas.
func (r *Registry) Add(taskID string, s *survey.Survey) error {
	if s == nil || !survey.SameShape(s.Outline, s.Content) {
		return fmt.Errorf("add %s: outline and content arenas must share structure", taskID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.inflight[taskID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateTask, taskID)
	}

	r.inflight[taskID] = &entry{
		survey:  s,
		emitted: make(map[int]bool),
	}

	return nil
}

// Get returns the in-flight survey for the task id.
func (r *Registry) Get(taskID string) (*survey.Survey, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.inflight[taskID]
	if !ok {
		return nil, false
	}

	return e.survey, true
}

// Qualify marks one section of an in-flight survey complete, making its
// parent a candidate for the next harvest.
func (r *Registry) Qualify(taskID string, index int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.inflight[taskID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, taskID)
	}

	return e.survey.Content.Qualify(index)
}

// Remove drops a survey from the registry, returning it if present. Used when
// a task is aborted mid-decode.
func (r *Registry) Remove(taskID string) (*survey.Survey, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.inflight[taskID]
	if !ok {
		return nil, false
	}

	delete(r.inflight, taskID)

	return e.survey, true
}

// Len returns the number of surveys in flight.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.inflight)
}

// harvest collects, across every in-flight survey, the sections that became
// ready since the last call, plus the surveys whose root children are now all
// qualified. Finished surveys are marked and removed.
func (r *Registry) harvest() ([]SectionWork, []*survey.Survey) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var (
		ready    []SectionWork
		finished []*survey.Survey
	)

	for taskID, e := range r.inflight {
		content := e.survey.Content

		rootDone, err := content.ChildrenQualified(survey.RootIndex)
		if err == nil && rootDone {
			e.survey.Finished = true
			finished = append(finished, e.survey)

			delete(r.inflight, taskID)

			continue
		}

		for idx := range content.Nodes {
			if idx == survey.RootIndex || e.emitted[idx] || content.Nodes[idx].Qualified {
				continue
			}

			ok, qErr := content.ChildrenQualified(idx)
			if qErr != nil || !ok {
				continue
			}

			e.emitted[idx] = true

			ready = append(ready, SectionWork{
				TaskID: taskID,
				Survey: e.survey,
				Index:  idx,
			})
		}
	}

	return ready, finished
}
