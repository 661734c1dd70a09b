package memoryhook

import (
	"context"
	"testing"
)

func TestNullRetrieveIsAlwaysEmpty(t *testing.T) {
	var p Provider = Null{}
	got, err := p.Retrieve(context.Background(), "anything", 5)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if got != nil {
		t.Fatalf("got %v, want nil", got)
	}
}
