package stage

import (
	"fmt"
	"strings"
)

// Name identifies a pipeline stage.
type Name string

const (
	Convert         Name = "convert"
	ExtractMetadata Name = "extract_metadata"
	IndexA          Name = "index_a"
	IndexB          Name = "index_b"
)

// All lists every stage in execution order.
var All = []Name{Convert, ExtractMetadata, IndexA, IndexB}

var prerequisites = map[Name][]Name{
	Convert:         nil,
	ExtractMetadata: {Convert},
	IndexA:          {ExtractMetadata},
	IndexB:          {ExtractMetadata},
}

// Parse converts a user supplied stage name.
func Parse(raw string) (Name, error) {
	name := Name(strings.ToLower(strings.TrimSpace(raw)))
	if _, ok := prerequisites[name]; !ok {
		return "", fmt.Errorf("unknown stage %q", raw)
	}
	return name, nil
}

// Valid reports whether n names a pipeline stage.
func (n Name) Valid() bool {
	_, ok := prerequisites[n]
	return ok
}

func (n Name) String() string { return string(n) }

// Prerequisites returns the stages that must be done before n may be enqueued.
func (n Name) Prerequisites() []Name {
	return append([]Name(nil), prerequisites[n]...)
}

// Dependents returns the stages that directly wait on n.
func (n Name) Dependents() []Name {
	var out []Name
	for _, candidate := range All {
		for _, prereq := range prerequisites[candidate] {
			if prereq == n {
				out = append(out, candidate)
			}
		}
	}
	return out
}

// Downstream returns every stage that transitively depends on n, in execution order.
func (n Name) Downstream() []Name {
	seen := map[Name]bool{}
	queue := n.Dependents()
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]
		if seen[next] {
			continue
		}
		seen[next] = true
		queue = append(queue, next.Dependents()...)
	}
	out := make([]Name, 0, len(seen))
	for _, candidate := range All {
		if seen[candidate] {
			out = append(out, candidate)
		}
	}
	return out
}

// Upstream returns every stage n transitively depends on, in execution order.
func (n Name) Upstream() []Name {
	seen := map[Name]bool{}
	pending := n.Prerequisites()
	for len(pending) > 0 {
		next := pending[0]
		pending = pending[1:]
		if seen[next] {
			continue
		}
		seen[next] = true
		pending = append(pending, next.Prerequisites()...)
	}
	out := make([]Name, 0, len(seen))
	for _, candidate := range All {
		if seen[candidate] {
			out = append(out, candidate)
		}
	}
	return out
}

// QueueName returns the job queue that carries work for the stage.
func QueueName(prefix string, n Name) string {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return string(n)
	}
	return prefix + "." + string(n)
}

// JobID returns the deterministic queue job id for a document's stage.
func JobID(documentID string, n Name) string {
	return documentID + ":" + string(n)
}
