package definition

import (
	"crypto/sha256"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/pitabwire/formflow/model"
)

// snapshot is an immutable collection of all definitions.
type snapshot struct {
	byID     map[string]model.WorkflowDefinition
	byForm   map[formKey]string
	ordered  []string
	checksum string
}

type formKey struct {
	applicationID string
	formID        string
}

// Registry is a read-optimized, thread-safe store of loaded workflow
// definitions. Reads are lock-free; Replace swaps the whole snapshot.
type Registry struct {
	snap atomic.Pointer[snapshot]
}

// NewRegistry creates a Registry from the given files.
func NewRegistry(files []model.WorkflowFile) *Registry {
	r := &Registry{}
	r.Replace(files)
	return r
}

// Replace atomically swaps the registry contents with a new snapshot built
// from the given files. When two definitions share an id or a form, the later
// one wins.
func (r *Registry) Replace(files []model.WorkflowFile) {
	s := &snapshot{
		byID:   make(map[string]model.WorkflowDefinition),
		byForm: make(map[formKey]string),
	}

	var checksumParts []string
	for _, f := range files {
		checksumParts = append(checksumParts, f.Checksum)
		for _, w := range f.Workflows {
			if _, exists := s.byID[w.ID]; !exists {
				s.ordered = append(s.ordered, w.ID)
			}
			s.byID[w.ID] = w
			s.byForm[formKey{w.ApplicationID, w.FormID}] = w.ID
		}
	}

	sort.Strings(checksumParts)
	combined := strings.Join(checksumParts, ":")
	s.checksum = fmt.Sprintf("%x", sha256.Sum256([]byte(combined)))

	r.snap.Store(s)
}

func (r *Registry) current() *snapshot {
	return r.snap.Load()
}

// GetWorkflow returns the workflow definition with the given ID.
func (r *Registry) GetWorkflow(workflowID string) (model.WorkflowDefinition, bool) {
	w, ok := r.current().byID[workflowID]
	return w, ok
}

// ForForm returns the workflow bound to an application's form.
func (r *Registry) ForForm(applicationID, formID string) (model.WorkflowDefinition, bool) {
	s := r.current()
	id, ok := s.byForm[formKey{applicationID, formID}]
	if !ok {
		return model.WorkflowDefinition{}, false
	}
	w, ok := s.byID[id]
	return w, ok
}

// All returns every definition in load order.
func (r *Registry) All() []model.WorkflowDefinition {
	s := r.current()
	defs := make([]model.WorkflowDefinition, 0, len(s.ordered))
	for _, id := range s.ordered {
		defs = append(defs, s.byID[id])
	}
	return defs
}

// Len returns the number of definitions loaded.
func (r *Registry) Len() int {
	return len(r.current().byID)
}

// Checksum returns the combined checksum of all loaded files.
func (r *Registry) Checksum() string {
	return r.current().checksum
}
