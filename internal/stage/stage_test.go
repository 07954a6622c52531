package stage

import (
	"errors"
	"reflect"
	"testing"

	"docflow/internal/services"
)

func TestDependencyGraph(t *testing.T) {
	if got := Convert.Prerequisites(); len(got) != 0 {
		t.Fatalf("convert should have no prerequisites, got %v", got)
	}
	if got := IndexA.Prerequisites(); !reflect.DeepEqual(got, []Name{ExtractMetadata}) {
		t.Fatalf("unexpected index_a prerequisites: %v", got)
	}
	if got := ExtractMetadata.Dependents(); !reflect.DeepEqual(got, []Name{IndexA, IndexB}) {
		t.Fatalf("unexpected extract_metadata dependents: %v", got)
	}
	if got := Convert.Downstream(); !reflect.DeepEqual(got, []Name{ExtractMetadata, IndexA, IndexB}) {
		t.Fatalf("unexpected convert downstream: %v", got)
	}
	if got := IndexA.Upstream(); !reflect.DeepEqual(got, []Name{Convert, ExtractMetadata}) {
		t.Fatalf("unexpected upstream of index_a: %v", got)
	}
	if got := Convert.Upstream(); len(got) != 0 {
		t.Fatalf("convert has no upstream, got %v", got)
	}
	if got := IndexB.Downstream(); len(got) != 0 {
		t.Fatalf("index_b should have no downstream, got %v", got)
	}
}

func TestParse(t *testing.T) {
	name, err := Parse(" Index_A ")
	if err != nil || name != IndexA {
		t.Fatalf("Parse returned %q, %v", name, err)
	}
	if _, err := Parse("ocr"); err == nil {
		t.Fatal("expected unknown stage error")
	}
}

func TestQueueNameAndJobID(t *testing.T) {
	if got := QueueName("docflow", Convert); got != "docflow.convert" {
		t.Fatalf("unexpected queue name %q", got)
	}
	if got := QueueName("", IndexB); got != "index_b" {
		t.Fatalf("unexpected queue name without prefix %q", got)
	}
	if got := JobID("doc-1", ExtractMetadata); got != "doc-1:extract_metadata" {
		t.Fatalf("unexpected job id %q", got)
	}
}

func TestValidatePayload(t *testing.T) {
	ok := map[string]string{
		KeyDocumentID: "doc-1",
		KeySourceKey:  "documents/doc-1/source.txt",
		KeyFilename:   "source.txt",
	}
	if err := ValidatePayload(Convert, ok); err != nil {
		t.Fatalf("expected valid payload, got %v", err)
	}

	missing := map[string]string{KeyDocumentID: "doc-1"}
	err := ValidatePayload(Convert, missing)
	if err == nil {
		t.Fatal("expected validation error")
	}
	if !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
	if services.IsRetryable(err) {
		t.Fatal("schema violations must not be retried")
	}

	empty := map[string]string{KeyDocumentID: "doc-1", KeyTextKey: "", KeyMetadataKey: "m"}
	if err := ValidatePayload(IndexA, empty); !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected empty text_key to be rejected, got %v", err)
	}
}

func TestFromError(t *testing.T) {
	if h := FromError("queue", nil); !h.Ready {
		t.Fatal("expected ready health")
	}
	if h := FromError("queue", errors.New("down")); h.Ready || h.Detail != "down" {
		t.Fatalf("unexpected health %+v", h)
	}
}
